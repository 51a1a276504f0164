// Package restservice exposes the HTTP surfaces of the bridge daemons: the
// gateway's user, verifier-facing and admin APIs and the verifier's indexer
// callback. The signing plane between gateway and verifiers is not HTTP, it
// lives in the signer package.
package restservice

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/application"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/servertls"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	metricExport "go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	traceExport "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Service is one HTTP surface of a bridge daemon. Start also starts the
// daemon's app service, Stop tears both down.
type Service interface {
	Start() error
	Stop()
}

type appService interface {
	Start() error
	Stop()
}

type service struct {
	name         string
	config       Config
	appSvc       appService
	handler      http.Handler
	server       *http.Server
	otelEndpoint string
	otelShutdown func(context.Context) error
}

func newService(
	name string, config Config, appSvc appService,
	handler http.Handler, otelEndpoint string,
) (*service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid service config: %s", err)
	}

	if !config.insecure() {
		if err := servertls.GenerateKeyCert(
			config.tlsDatadir(), config.TLSExtraIPs, config.TLSExtraDomains,
		); err != nil {
			return nil, err
		}
		log.Debugf("generated TLS key pair at path: %s", config.tlsDatadir())
	}

	return &service{
		name:         name,
		config:       config,
		appSvc:       appSvc,
		handler:      handler,
		otelEndpoint: otelEndpoint,
	}, nil
}

func (s *service) Start() error {
	if s.otelEndpoint != "" {
		otelShutdown, err := initOpenTelemetry(context.Background(), s.otelEndpoint, s.name)
		if err != nil {
			return err
		}
		s.otelShutdown = otelShutdown
	}

	if err := s.appSvc.Start(); err != nil {
		return fmt.Errorf("failed to start app service: %s", err)
	}
	log.Info("started app service")

	var tlsConfig *tls.Config
	if !s.config.insecure() {
		cfg, err := servertls.Config(s.config.tlsDatadir())
		if err != nil {
			return err
		}
		tlsConfig = cfg
	}

	handler := otelhttp.NewHandler(withCors(withLogging(s.handler)), s.name)
	httpServerHandler := http.Handler(handler)
	if s.config.insecure() {
		httpServerHandler = h2c.NewHandler(httpServerHandler, &http2.Server{})
	}

	s.server = &http.Server{
		Addr:      s.config.address(),
		Handler:   httpServerHandler,
		TLSConfig: tlsConfig,
	}

	if s.config.insecure() {
		// nolint:all
		go s.server.ListenAndServe()
	} else {
		// nolint:all
		go s.server.ListenAndServeTLS("", "")
	}
	log.Infof("started listening at %s", s.config.address())

	return nil
}

func (s *service) Stop() {
	if s.server != nil {
		// nolint:all
		s.server.Shutdown(context.Background())
		log.Info("stopped http server")
	}
	s.appSvc.Stop()
	log.Info("stopped app service")
	if s.otelShutdown != nil {
		if err := s.otelShutdown(context.Background()); err != nil {
			log.Errorf("failed to shutdown otel: %s", err)
		}
	}
}

func withCors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Add("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		log.Debugf("%s %s", r.Method, r.URL.Path)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func decodeJSON(r *http.Request, target interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid request body: %s", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if body == nil {
		body = struct{}{}
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var notFound application.NotFoundError
	var invalidInput application.InvalidInputError
	switch {
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.As(err, &invalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	default:
		log.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
	}
}

func initOpenTelemetry(
	ctx context.Context, otelCollectorUrl, serviceName string,
) (func(context.Context) error, error) {
	otelCollectorUrl = strings.TrimSuffix(otelCollectorUrl, "/")
	endpoint := strings.TrimPrefix(otelCollectorUrl, "http://")

	traceExp, err := traceExport.New(
		ctx,
		traceExport.WithEndpoint(endpoint),
		traceExport.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExp),
		trace.WithResource(res),
	)

	metricExp, err := metricExport.New(
		ctx,
		metricExport.WithEndpoint(endpoint),
		metricExport.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	reader := metric.NewPeriodicReader(
		metricExp,
		metric.WithInterval(5*time.Second),
	)

	mp := metric.NewMeterProvider(
		metric.WithReader(reader),
		metric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	log.Info("initialized opentelemetry")

	shutdown := func(ctx context.Context) error {
		err1 := tp.Shutdown(ctx)
		err2 := mp.Shutdown(ctx)
		if err1 != nil {
			return err1
		}
		return err2
	}
	return shutdown, nil
}
