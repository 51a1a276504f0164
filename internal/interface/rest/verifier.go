package restservice

import (
	"net/http"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/config"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/application"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

// NewVerifierService builds the verifier HTTP surface. It only carries the
// indexer deposit callback and the health check; the signing plane listener
// is started separately by the daemon. appConfig must be validated by the
// caller.
func NewVerifierService(
	svcConfig Config, appConfig *config.VerifierConfig,
) (Service, error) {
	appSvc, err := appConfig.AppService()
	if err != nil {
		return nil, err
	}

	handler := &verifierHandler{svc: appSvc}
	return newService(
		"verifierd", svcConfig, appSvc, handler.router(), appConfig.OtelCollectorEndpoint,
	)
}

type verifierHandler struct {
	svc application.VerifierService
}

func (h *verifierHandler) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/indexer/notify-runes-deposit", h.notifyRunesDeposit)
	mux.HandleFunc("POST /health", health)
	return mux
}

type indexerNotifyRequest struct {
	OutPoint outPointJSON `json:"out_point"`
}

func (h *verifierHandler) notifyRunesDeposit(w http.ResponseWriter, r *http.Request) {
	var request indexerNotifyRequest
	if err := decodeJSON(r, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}
	if len(request.OutPoint.Txid) <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"missing out_point"})
		return
	}

	outpoint := domain.Outpoint{Txid: request.OutPoint.Txid, VOut: request.OutPoint.VOut}
	if err := h.svc.NotifyRunesDeposit(r.Context(), outpoint); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
