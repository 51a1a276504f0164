package signer

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/application"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/servertls"
	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"
)

const (
	tlsFolder = "tls"

	// a connection with no complete request inside this window is dropped
	frameIdleTimeout = 2 * time.Minute
	// budget for one request handler, chain lookups included
	handlerTimeout = time.Minute
)

// Server is the verifier end of the signing plane.
type Server interface {
	Start() error
	Stop()
	// Addr reports the bound listen address, empty before Start.
	Addr() string
}

// ServerConfig configures the signing plane listener. It always speaks TLS
// with a self-signed operator cert generated on first run; the gateway is
// authenticated by its envelope signatures, not by client certs.
type ServerConfig struct {
	Port             uint32
	Datadir          string
	TLSExtraIPs      []string
	TLSExtraDomains  []string
	IdentityKey      *btcec.PrivateKey
	GatewayPublicKey string
}

type server struct {
	config        ServerConfig
	svc           application.VerifierService
	gatewayKey    *btcec.PublicKey
	gatewaySender string
	sender        string

	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(config ServerConfig, svc application.VerifierService) (Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("missing verifier service")
	}
	if config.IdentityKey == nil {
		return nil, fmt.Errorf("missing identity key")
	}
	if len(config.Datadir) <= 0 {
		return nil, fmt.Errorf("missing datadir")
	}
	gatewayKey, err := parsePublicKey(config.GatewayPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway public key: %s", err)
	}

	if err := servertls.GenerateKeyCert(
		filepath.Join(config.Datadir, tlsFolder),
		config.TLSExtraIPs, config.TLSExtraDomains,
	); err != nil {
		return nil, fmt.Errorf("failed to generate tls key pair: %s", err)
	}

	return &server{
		config:        config,
		svc:           svc,
		gatewayKey:    gatewayKey,
		gatewaySender: hex.EncodeToString(gatewayKey.SerializeCompressed()),
		sender:        hex.EncodeToString(config.IdentityKey.PubKey().SerializeCompressed()),
		conns:         make(map[net.Conn]struct{}),
	}, nil
}

func (s *server) Start() error {
	tlsConfig, err := servertls.Config(filepath.Join(s.config.Datadir, tlsFolder))
	if err != nil {
		return err
	}

	listener, err := tls.Listen("tcp", fmt.Sprintf(":%d", s.config.Port), tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start signing listener: %s", err)
	}
	s.listener = listener

	go s.serve()
	log.Infof("signing plane listening at %s", listener.Addr())
	return nil
}

func (s *server) Stop() {
	if s.listener != nil {
		// nolint:all
		s.listener.Close()
	}

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		// nolint:all
		conn.Close()
	}
	log.Info("stopped signing listener")
}

func (s *server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("signing plane: accept failed")
			continue
		}
		s.addConn(conn)
		go s.handleConn(conn)
	}
}

func (s *server) handleConn(conn net.Conn) {
	defer func() {
		s.removeConn(conn)
		// nolint:all
		conn.Close()
	}()

	for {
		// nolint:all
		conn.SetReadDeadline(time.Now().Add(frameIdleTimeout))
		request, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Debug("signing plane: dropping connection")
			}
			return
		}

		reply := s.handleRequest(request)

		// nolint:all
		conn.SetWriteDeadline(time.Now().Add(frameIdleTimeout))
		if err := writeFrame(conn, reply); err != nil {
			log.WithError(err).Debug("signing plane: failed to write reply")
			return
		}
	}
}

func (s *server) handleRequest(request *envelope) *envelope {
	if request.Sender != s.gatewaySender || !request.verify(s.gatewayKey) {
		return s.errorReply(request, errCodeInvalidInput, "invalid envelope signature")
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	data, err := s.dispatch(ctx, request)
	if err != nil {
		return s.failureReply(request, err)
	}

	payload, err := json.Marshal(resultPayload{Data: data})
	if err != nil {
		return s.errorReply(request, errCodeInternal, err.Error())
	}
	return s.reply(request, kindOk, payload)
}

func (s *server) dispatch(ctx context.Context, request *envelope) ([]byte, error) {
	switch request.Kind {
	case kindRegisterIntent:
		payload := intentPayload{}
		if err := json.Unmarshal(request.Payload, &payload); err != nil {
			return nil, badPayloadError{err}
		}
		return nil, s.svc.RegisterIntent(ctx, payload.toIntent())
	case kindRevokeIntent:
		payload := revokePayload{}
		if err := json.Unmarshal(request.Payload, &payload); err != nil {
			return nil, badPayloadError{err}
		}
		return nil, s.svc.RevokeIntent(ctx, payload.DepositId)
	case kindSign:
		switch request.Round {
		case 1:
			payload := signRound1Payload{}
			if err := json.Unmarshal(request.Payload, &payload); err != nil {
				return nil, badPayloadError{err}
			}
			return s.svc.HandleSignRound1(ctx, ports.Round1Request{
				SessionId:        request.SessionId,
				DepositId:        payload.DepositId,
				RequestId:        payload.RequestId,
				ShareId:          payload.ShareId,
				Kind:             domain.MessageKind(payload.Kind),
				MessageHash:      payload.MessageHash,
				TokenTransaction: payload.TokenTransaction,
				ExitTx:           payload.ExitTx,
				InputIndex:       payload.InputIndex,
			})
		case 2:
			payload := signRound2Payload{}
			if err := json.Unmarshal(request.Payload, &payload); err != nil {
				return nil, badPayloadError{err}
			}
			return s.svc.HandleSignRound2(ctx, ports.Round2Request{
				SessionId:      request.SessionId,
				SigningPackage: payload.SigningPackage,
			})
		}
	case kindDkg:
		switch request.Round {
		case 1:
			payload := dkgRound1Payload{}
			if err := json.Unmarshal(request.Payload, &payload); err != nil {
				return nil, badPayloadError{err}
			}
			return s.svc.HandleDkgRound1(ctx, ports.DkgRound1Request{
				CeremonyId:      request.SessionId,
				Index:           payload.Index,
				Threshold:       payload.Threshold,
				Total:           payload.Total,
				ParticipantKeys: payload.ParticipantKeys,
			})
		case 2:
			payload := dkgRound2Payload{}
			if err := json.Unmarshal(request.Payload, &payload); err != nil {
				return nil, badPayloadError{err}
			}
			return s.svc.HandleDkgRound2(ctx, ports.DkgRound2Request{
				CeremonyId: request.SessionId,
				Packages:   payload.Packages,
			})
		case 3:
			payload := dkgFinalizePayload{}
			if err := json.Unmarshal(request.Payload, &payload); err != nil {
				return nil, badPayloadError{err}
			}
			return s.svc.HandleDkgFinalize(ctx, ports.DkgFinalizeRequest{
				CeremonyId: request.SessionId,
				Shares:     payload.Shares,
			})
		}
	}
	return nil, badPayloadError{fmt.Errorf("unknown request %s round %d", request.Kind, request.Round)}
}

func (s *server) failureReply(request *envelope, err error) *envelope {
	var refusal *ports.SignerRefusal
	if errors.As(err, &refusal) {
		payload, marshalErr := json.Marshal(refusalPayload{
			Code: refusal.Code, Detail: refusal.Detail,
		})
		if marshalErr != nil {
			return s.errorReply(request, errCodeInternal, marshalErr.Error())
		}
		return s.reply(request, kindRefused, payload)
	}

	code := errCodeInternal
	var badPayload badPayloadError
	var invalidInput application.InvalidInputError
	var notFound application.NotFoundError
	switch {
	case errors.As(err, &badPayload), errors.As(err, &invalidInput):
		code = errCodeInvalidInput
	case errors.As(err, &notFound):
		code = errCodeNotFound
	}
	return s.errorReply(request, code, err.Error())
}

func (s *server) errorReply(request *envelope, code, detail string) *envelope {
	payload, err := json.Marshal(errorPayload{Code: code, Detail: detail})
	if err != nil {
		payload = nil
	}
	return s.reply(request, kindError, payload)
}

func (s *server) reply(request *envelope, kind string, payload []byte) *envelope {
	reply := &envelope{
		SessionId: request.SessionId,
		Round:     request.Round,
		Kind:      kind,
		Payload:   payload,
		Sender:    s.sender,
	}
	if err := reply.sign(s.config.IdentityKey); err != nil {
		log.WithError(err).Error("signing plane: failed to sign reply")
	}
	return reply
}

func (s *server) addConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *server) removeConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// badPayloadError marks a request that failed to decode, so the reply carries
// an invalid_input code instead of internal.
type badPayloadError struct {
	err error
}

func (e badPayloadError) Error() string {
	return e.err.Error()
}
