package restservice

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/config"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/application"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/gatewayclient"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// notifications are small, anything bigger than this is garbage
const maxNotifyBody = 64 << 10

// NewGatewayService builds the gateway HTTP surface: the public user API,
// the verifier notification endpoints and the token-gated admin endpoints.
// appConfig must be validated by the caller.
func NewGatewayService(
	svcConfig Config, appConfig *config.GatewayConfig,
) (Service, error) {
	appSvc, err := appConfig.AppService()
	if err != nil {
		return nil, err
	}

	verifierKeys := make(map[string]*btcec.PublicKey)
	for _, verifier := range appConfig.Verifiers {
		keyBytes, err := hex.DecodeString(verifier.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for verifier %s: %s", verifier.Id, err)
		}
		key, err := btcec.ParsePubKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for verifier %s: %s", verifier.Id, err)
		}
		verifierKeys[verifier.Id] = key
	}

	handler := &gatewayHandler{
		svc:          appSvc,
		verifierKeys: verifierKeys,
		adminToken:   svcConfig.AdminToken,
	}
	return newService(
		"gatewayd", svcConfig, appSvc, handler.router(), appConfig.OtelCollectorEndpoint,
	)
}

type gatewayHandler struct {
	svc          application.GatewayService
	verifierKeys map[string]*btcec.PublicKey
	adminToken   string
}

func (h *gatewayHandler) router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/user/get-btc-deposit-address", h.getBtcDepositAddress)
	mux.HandleFunc("POST /api/user/get-spark-deposit-address", h.getSparkDepositAddress)
	mux.HandleFunc("POST /api/user/bridge-runes", h.bridgeRunes)
	mux.HandleFunc("POST /api/user/exit-spark", h.exitSpark)
	mux.HandleFunc("DELETE /api/user/bridge-request/{btc_address}", h.cancelBridgeRequest)
	mux.HandleFunc("GET /api/user/activity/{user_public_key}", h.getActivity)
	mux.HandleFunc("GET /api/bridge/transaction/{txid}", h.getTransaction)
	mux.HandleFunc("GET /api/metadata/wrunes", h.listWrunes)
	mux.HandleFunc("POST /health", health)

	mux.HandleFunc("POST /api/verifier/notify-runes-deposit", h.notifyRunesDeposit)
	mux.HandleFunc("POST /api/verifier/notify-spark-deposit", h.notifySparkDeposit)

	mux.HandleFunc("GET /api/admin/dkg-pool", h.adminOnly(h.dkgPool))
	mux.HandleFunc("POST /api/admin/refresh-metadata", h.adminOnly(h.refreshMetadata))

	return mux
}

type getDepositAddressRequest struct {
	UserPublicKey string `json:"user_public_key"`
	RuneId        string `json:"rune_id"`
	Amount        uint64 `json:"amount"`
}

type getDepositAddressResponse struct {
	Address string `json:"address"`
}

func (h *gatewayHandler) getBtcDepositAddress(w http.ResponseWriter, r *http.Request) {
	var request getDepositAddressRequest
	if err := decodeJSON(r, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}

	address, err := h.svc.GetBtcDepositAddress(
		r.Context(), request.UserPublicKey, request.RuneId, request.Amount,
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, getDepositAddressResponse{address})
}

func (h *gatewayHandler) getSparkDepositAddress(w http.ResponseWriter, r *http.Request) {
	var request getDepositAddressRequest
	if err := decodeJSON(r, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}

	address, err := h.svc.GetSparkDepositAddress(
		r.Context(), request.UserPublicKey, request.RuneId, request.Amount,
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, getDepositAddressResponse{address})
}

type bridgeRunesRequest struct {
	BtcAddress    string          `json:"btc_address"`
	BridgeAddress string          `json:"bridge_address"`
	Txid          string          `json:"txid"`
	VOut          uint32          `json:"vout"`
	FeePayment    *feePaymentJSON `json:"fee_payment,omitempty"`
}

func (h *gatewayHandler) bridgeRunes(w http.ResponseWriter, r *http.Request) {
	var request bridgeRunesRequest
	if err := decodeJSON(r, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}

	err := h.svc.BridgeRunes(r.Context(), application.BridgeRunesRequest{
		BtcAddress:    request.BtcAddress,
		BridgeAddress: request.BridgeAddress,
		Txid:          request.Txid,
		VOut:          request.VOut,
		FeePayment:    request.FeePayment.toDomain(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type payingInputJSON struct {
	Txid                      string `json:"txid"`
	VOut                      uint32 `json:"vout"`
	BtcExitAddress            string `json:"btc_exit_address"`
	SatsAmount                uint64 `json:"sats_amount"`
	NoneAnyoneCanPaySignature string `json:"none_anyone_can_pay_signature"`
}

type exitSparkRequest struct {
	SparkAddress string          `json:"spark_address"`
	PayingInput  payingInputJSON `json:"paying_input"`
	FeePayment   *feePaymentJSON `json:"fee_payment,omitempty"`
}

func (h *gatewayHandler) exitSpark(w http.ResponseWriter, r *http.Request) {
	var request exitSparkRequest
	if err := decodeJSON(r, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}

	err := h.svc.ExitSpark(r.Context(), application.ExitSparkRequest{
		SparkAddress: request.SparkAddress,
		PayingInput: domain.PayingInput{
			Outpoint: domain.Outpoint{
				Txid: request.PayingInput.Txid,
				VOut: request.PayingInput.VOut,
			},
			SatsAmount:  request.PayingInput.SatsAmount,
			ExitAddress: request.PayingInput.BtcExitAddress,
			Signature:   request.PayingInput.NoneAnyoneCanPaySignature,
		},
		FeePayment: request.FeePayment.toDomain(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *gatewayHandler) cancelBridgeRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CancelBridgeRequest(r.Context(), r.PathValue("btc_address")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *gatewayHandler) getActivity(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.GetActivity(r.Context(), r.PathValue("user_public_key"))
	if err != nil {
		writeError(w, err)
		return
	}

	response := make([]activityItemJSON, 0, len(items))
	for _, item := range items {
		response = append(response, toActivityItemJSON(item))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *gatewayHandler) getTransaction(w http.ResponseWriter, r *http.Request) {
	item, err := h.svc.GetTransaction(r.Context(), r.PathValue("txid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityItemJSON(*item))
}

type wruneListItemJSON struct {
	RuneId          string           `json:"rune_id"`
	WruneMetadata   wruneDetailsJSON `json:"wrune_metadata"`
	IssuerPublicKey string           `json:"issuer_public_key"`
	BitcoinNetwork  string           `json:"bitcoin_network"`
	SparkNetwork    string           `json:"spark_network"`
	CreatedAt       int64            `json:"created_at"`
	UpdatedAt       int64            `json:"updated_at"`
}

func (h *gatewayHandler) listWrunes(w http.ResponseWriter, r *http.Request) {
	wrunes, err := h.svc.ListWrunes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response := make([]wruneListItemJSON, 0, len(wrunes))
	for _, meta := range wrunes {
		response = append(response, wruneListItemJSON{
			RuneId:          meta.RuneId,
			WruneMetadata:   toWruneDetailsJSON(meta),
			IssuerPublicKey: meta.IssuerPublicKey,
			BitcoinNetwork:  meta.BitcoinNetwork,
			SparkNetwork:    meta.SparkNetwork,
			CreatedAt:       meta.CreatedAt,
			UpdatedAt:       meta.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nil)
}

func (h *gatewayHandler) notifyRunesDeposit(w http.ResponseWriter, r *http.Request) {
	notification, err := h.decodeNotify(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{err.Error()})
		return
	}
	if notification.Outpoint == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"missing out_point"})
		return
	}

	if err := h.svc.NotifyDeposit(r.Context(), *notification); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *gatewayHandler) notifySparkDeposit(w http.ResponseWriter, r *http.Request) {
	notification, err := h.decodeNotify(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{err.Error()})
		return
	}
	if len(notification.SparkAddress) <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"missing spark_address"})
		return
	}

	if err := h.svc.NotifyDeposit(r.Context(), *notification); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// decodeNotify authenticates a verifier callback: the signature header must
// be a valid BIP-340 signature of the raw body under the static key
// registered for the verifier id header.
func (h *gatewayHandler) decodeNotify(r *http.Request) (*ports.DepositNotification, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %s", err)
	}

	verifierId := r.Header.Get(gatewayclient.VerifierIdHeader)
	key, ok := h.verifierKeys[verifierId]
	if !ok {
		return nil, fmt.Errorf("unknown verifier %s", verifierId)
	}

	sigBytes, err := hex.DecodeString(r.Header.Get(gatewayclient.SignatureHeader))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %s", err)
	}
	signature, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %s", err)
	}
	digest := sha256.Sum256(body)
	if !signature.Verify(digest[:], key) {
		return nil, fmt.Errorf("invalid notification signature")
	}

	var request notifyRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("invalid request body: %s", err)
	}
	if request.VerifierId != verifierId {
		return nil, fmt.Errorf("verifier id mismatch")
	}
	return request.toNotification()
}

type sharePoolResponse struct {
	Unassigned int `json:"unassigned"`
	LowWater   int `json:"low_water"`
	HighWater  int `json:"high_water"`
}

func (h *gatewayHandler) dkgPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.svc.SharePool(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sharePoolResponse{
		Unassigned: pool.Unassigned,
		LowWater:   pool.LowWater,
		HighWater:  pool.HighWater,
	})
}

func (h *gatewayHandler) refreshMetadata(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RefreshMetadata(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *gatewayHandler) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(h.adminToken) <= 0 {
			writeJSON(w, http.StatusNotFound, errorResponse{"admin api disabled"})
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{"invalid admin token"})
			return
		}
		next(w, r)
	}
}
