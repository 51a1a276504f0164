package restservice

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/application"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/gatewayclient"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
)

type fakeGatewayService struct {
	address       string
	lastUserKey   string
	lastRuneId    string
	lastAmount    uint64
	bridgeRequest *application.BridgeRunesRequest
	exitRequest   *application.ExitSparkRequest
	cancelled     string
	cancelErr     error
	notification  *ports.DepositNotification
	activity      []application.ActivityItem
	txItem        *application.ActivityItem
	txErr         error
	wrunes        []domain.WruneMetadata
	wrunesErr     error
	refreshed     bool
	pool          application.SharePoolInfo
}

func (f *fakeGatewayService) Start() error { return nil }
func (f *fakeGatewayService) Stop()        {}

func (f *fakeGatewayService) GetBtcDepositAddress(
	_ context.Context, userPublicKey, runeId string, amount uint64,
) (string, error) {
	f.lastUserKey, f.lastRuneId, f.lastAmount = userPublicKey, runeId, amount
	return f.address, nil
}

func (f *fakeGatewayService) GetSparkDepositAddress(
	_ context.Context, userPublicKey, runeId string, amount uint64,
) (string, error) {
	f.lastUserKey, f.lastRuneId, f.lastAmount = userPublicKey, runeId, amount
	return f.address, nil
}

func (f *fakeGatewayService) BridgeRunes(
	_ context.Context, request application.BridgeRunesRequest,
) error {
	f.bridgeRequest = &request
	return nil
}

func (f *fakeGatewayService) ExitSpark(
	_ context.Context, request application.ExitSparkRequest,
) error {
	f.exitRequest = &request
	return nil
}

func (f *fakeGatewayService) CancelBridgeRequest(_ context.Context, btcAddress string) error {
	f.cancelled = btcAddress
	return f.cancelErr
}

func (f *fakeGatewayService) NotifyDeposit(
	_ context.Context, notification ports.DepositNotification,
) error {
	f.notification = &notification
	return nil
}

func (f *fakeGatewayService) GetActivity(
	_ context.Context, _ string,
) ([]application.ActivityItem, error) {
	return f.activity, nil
}

func (f *fakeGatewayService) GetTransaction(
	_ context.Context, _ string,
) (*application.ActivityItem, error) {
	return f.txItem, f.txErr
}

func (f *fakeGatewayService) ListWrunes(_ context.Context) ([]domain.WruneMetadata, error) {
	return f.wrunes, f.wrunesErr
}

func (f *fakeGatewayService) RefreshMetadata(_ context.Context) error {
	f.refreshed = true
	return nil
}

func (f *fakeGatewayService) SharePool(_ context.Context) (application.SharePoolInfo, error) {
	return f.pool, nil
}

type gatewayFixture struct {
	svc         *fakeGatewayService
	handler     http.Handler
	verifierKey *btcec.PrivateKey
	verifierId  string
}

func newGatewayFixture(t *testing.T, adminToken string) *gatewayFixture {
	t.Helper()

	verifierKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	svc := &fakeGatewayService{address: "bcrt1test"}
	handler := &gatewayHandler{
		svc: svc,
		verifierKeys: map[string]*btcec.PublicKey{
			"verifier-1": verifierKey.PubKey(),
		},
		adminToken: adminToken,
	}
	return &gatewayFixture{
		svc:         svc,
		handler:     handler.router(),
		verifierKey: verifierKey,
		verifierId:  "verifier-1",
	}
}

func (f *gatewayFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *gatewayFixture) doSigned(
	t *testing.T, path string, body []byte, key *btcec.PrivateKey, verifierId string,
) *httptest.ResponseRecorder {
	t.Helper()

	digest := sha256.Sum256(body)
	signature, err := schnorr.Sign(key, digest[:])
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(gatewayclient.VerifierIdHeader, verifierId)
	req.Header.Set(gatewayclient.SignatureHeader, hex.EncodeToString(signature.Serialize()))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestGatewayUserEndpoints(t *testing.T) {
	t.Run("issues a btc deposit address", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		rr := f.do(t, http.MethodPost, "/api/user/get-btc-deposit-address",
			`{"user_public_key":"02ab","rune_id":"840000:3","amount":500}`)

		require.Equal(t, http.StatusOK, rr.Code)
		var response getDepositAddressResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
		require.Equal(t, "bcrt1test", response.Address)
		require.Equal(t, "02ab", f.svc.lastUserKey)
		require.Equal(t, "840000:3", f.svc.lastRuneId)
		require.Equal(t, uint64(500), f.svc.lastAmount)
	})

	t.Run("bridge runes carries the fee payment outpoint", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		rr := f.do(t, http.MethodPost, "/api/user/bridge-runes",
			`{"btc_address":"bcrt1dep","bridge_address":"sprt1abc","txid":"aa","vout":1,`+
				`"fee_payment":{"txid":"ff","vout":2}}`)

		require.Equal(t, http.StatusOK, rr.Code)
		require.NotNil(t, f.svc.bridgeRequest)
		require.Equal(t, "bcrt1dep", f.svc.bridgeRequest.BtcAddress)
		require.Equal(t, "sprt1abc", f.svc.bridgeRequest.BridgeAddress)
		require.Equal(t, uint32(1), f.svc.bridgeRequest.VOut)
		require.NotNil(t, f.svc.bridgeRequest.FeePayment)
		require.NotNil(t, f.svc.bridgeRequest.FeePayment.BtcOutpoint)
		require.Equal(t, "ff", f.svc.bridgeRequest.FeePayment.BtcOutpoint.Txid)
		require.Equal(t, uint32(2), f.svc.bridgeRequest.FeePayment.BtcOutpoint.VOut)
	})

	t.Run("exit spark decodes the paying input and spark fee transfer", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		rr := f.do(t, http.MethodPost, "/api/user/exit-spark",
			`{"spark_address":"sprt1user","paying_input":{"txid":"bb","vout":0,`+
				`"btc_exit_address":"bcrt1exit","sats_amount":20000,`+
				`"none_anyone_can_pay_signature":"deadbeef"},"fee_payment":"transfer-7"}`)

		require.Equal(t, http.StatusOK, rr.Code)
		require.NotNil(t, f.svc.exitRequest)
		require.Equal(t, "sprt1user", f.svc.exitRequest.SparkAddress)
		require.Equal(t, "bb", f.svc.exitRequest.PayingInput.Txid)
		require.Equal(t, "bcrt1exit", f.svc.exitRequest.PayingInput.ExitAddress)
		require.Equal(t, uint64(20000), f.svc.exitRequest.PayingInput.SatsAmount)
		require.Equal(t, "deadbeef", f.svc.exitRequest.PayingInput.Signature)
		require.NotNil(t, f.svc.exitRequest.FeePayment)
		require.Equal(t, "transfer-7", f.svc.exitRequest.FeePayment.SparkTransfer)
	})

	t.Run("bad json is a 400", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		rr := f.do(t, http.MethodPost, "/api/user/bridge-runes", `{"btc_address":`)
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("cancel passes the address from the path", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		rr := f.do(t, http.MethodDelete, "/api/user/bridge-request/bcrt1dep", "")
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, "bcrt1dep", f.svc.cancelled)
	})

	t.Run("cancel after a recorded utxo is a 400", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		f.svc.cancelErr = application.NewInvalidInputError(
			errors.New("deposit already has a recorded utxo"),
		)
		rr := f.do(t, http.MethodDelete, "/api/user/bridge-request/bcrt1dep", "")
		require.Equal(t, http.StatusBadRequest, rr.Code)

		var response errorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
		require.Contains(t, response.Error, "recorded utxo")
	})

	t.Run("unknown transaction is a 404", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		f.svc.txErr = application.NewNotFoundError("transaction", "aa")
		rr := f.do(t, http.MethodGet, "/api/bridge/transaction/aa", "")
		require.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("activity serializes metadata and optionals", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		confirmations := uint64(3)
		txid := "cc"
		f.svc.activity = []application.ActivityItem{
			{
				RuneId:            "840000:3",
				Amount:            500,
				BtcDepositAddress: "bcrt1dep",
				Status:            "waiting_for_confirmations",
				Confirmations:     &confirmations,
				Txid:              &txid,
				WruneMetadata:     &domain.WruneMetadata{Name: "WRUNE", Symbol: "W", Divisibility: 2},
			},
			{RuneId: "840000:3", Amount: 100, Status: "address_issued"},
		}

		rr := f.do(t, http.MethodGet, "/api/user/activity/02ab", "")
		require.Equal(t, http.StatusOK, rr.Code)

		var items []map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &items))
		require.Len(t, items, 2)
		require.Equal(t, float64(3), items[0]["confirmations"])
		require.Equal(t, "cc", items[0]["txid"])
		meta, ok := items[0]["wrune_metadata"].(map[string]interface{})
		require.True(t, ok)
		require.Equal(t, "WRUNE", meta["name"])
		_, hasConfirmations := items[1]["confirmations"]
		require.False(t, hasConfirmations)
	})

	t.Run("internal failures are a 500", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		f.svc.wrunesErr = errors.New("db unavailable")
		rr := f.do(t, http.MethodGet, "/api/metadata/wrunes", "")
		require.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("health replies", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		rr := f.do(t, http.MethodPost, "/health", "")
		require.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestGatewayNotifyEndpoints(t *testing.T) {
	notifyBody := func(verifierId, status string) []byte {
		return []byte(fmt.Sprintf(
			`{"verifier_id":"%s","out_point":{"txid":"aa","vout":1},`+
				`"sats_fee_amount":600,"status":{"%s":{}}}`, verifierId, status,
		))
	}

	t.Run("accepts a signed runes notification", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		rr := f.doSigned(
			t, "/api/verifier/notify-runes-deposit",
			notifyBody(f.verifierId, "confirmed"), f.verifierKey, f.verifierId,
		)

		require.Equal(t, http.StatusOK, rr.Code)
		require.NotNil(t, f.svc.notification)
		require.Equal(t, f.verifierId, f.svc.notification.VerifierId)
		require.Equal(t, ports.NotifyStatusConfirmed, f.svc.notification.Status)
		require.NotNil(t, f.svc.notification.Outpoint)
		require.Equal(t, "aa", f.svc.notification.Outpoint.Txid)
		require.Equal(t, uint64(600), f.svc.notification.SatsFeeAmount)
	})

	t.Run("rejects a foreign signature", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		foreignKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		rr := f.doSigned(
			t, "/api/verifier/notify-runes-deposit",
			notifyBody(f.verifierId, "confirmed"), foreignKey, f.verifierId,
		)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		require.Nil(t, f.svc.notification)
	})

	t.Run("rejects an unknown verifier id", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		rr := f.doSigned(
			t, "/api/verifier/notify-runes-deposit",
			notifyBody("verifier-9", "confirmed"), f.verifierKey, "verifier-9",
		)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("runes path requires the outpoint", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		body := []byte(fmt.Sprintf(
			`{"verifier_id":"%s","spark_address":"sprt1abc",`+
				`"sats_fee_amount":0,"status":{"confirmed":{}}}`, f.verifierId,
		))
		rr := f.doSigned(
			t, "/api/verifier/notify-runes-deposit", body, f.verifierKey, f.verifierId,
		)
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("failed verdicts carry reason and detail", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		body := []byte(fmt.Sprintf(
			`{"verifier_id":"%s","out_point":{"txid":"aa","vout":1},"sats_fee_amount":0,`+
				`"status":{"failed":{"reason":"amount_mismatch","detail":"observed 1"}}}`,
			f.verifierId,
		))
		rr := f.doSigned(
			t, "/api/verifier/notify-runes-deposit", body, f.verifierKey, f.verifierId,
		)

		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, ports.NotifyStatusFailed, f.svc.notification.Status)
		require.Equal(t, "amount_mismatch", f.svc.notification.Reason)
		require.Equal(t, "observed 1", f.svc.notification.Detail)
	})

	t.Run("spark path requires the address", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		rr := f.doSigned(
			t, "/api/verifier/notify-spark-deposit",
			notifyBody(f.verifierId, "confirmed"), f.verifierKey, f.verifierId,
		)
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestGatewayAdminEndpoints(t *testing.T) {
	t.Run("dkg pool needs the token", func(t *testing.T) {
		f := newGatewayFixture(t, "sekret")
		f.svc.pool = application.SharePoolInfo{Unassigned: 4, LowWater: 2, HighWater: 8}

		rr := f.do(t, http.MethodGet, "/api/admin/dkg-pool", "")
		require.Equal(t, http.StatusUnauthorized, rr.Code)

		req := httptest.NewRequest(http.MethodGet, "/api/admin/dkg-pool", nil)
		req.Header.Set("Authorization", "Bearer sekret")
		authorized := httptest.NewRecorder()
		f.handler.ServeHTTP(authorized, req)

		require.Equal(t, http.StatusOK, authorized.Code)
		var response sharePoolResponse
		require.NoError(t, json.Unmarshal(authorized.Body.Bytes(), &response))
		require.Equal(t, 4, response.Unassigned)
		require.Equal(t, 8, response.HighWater)
	})

	t.Run("admin api is gone without a token", func(t *testing.T) {
		f := newGatewayFixture(t, "")
		rr := f.do(t, http.MethodGet, "/api/admin/dkg-pool", "")
		require.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("refresh metadata triggers the service", func(t *testing.T) {
		f := newGatewayFixture(t, "sekret")
		req := httptest.NewRequest(http.MethodPost, "/api/admin/refresh-metadata", nil)
		req.Header.Set("Authorization", "Bearer sekret")
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		require.True(t, f.svc.refreshed)
	})
}

type fakeVerifierService struct {
	outpoint *domain.Outpoint
	err      error
}

func (f *fakeVerifierService) Start() error { return nil }
func (f *fakeVerifierService) Stop()        {}

func (f *fakeVerifierService) RegisterIntent(context.Context, ports.SigningIntent) error {
	return nil
}
func (f *fakeVerifierService) RevokeIntent(context.Context, string) error { return nil }

func (f *fakeVerifierService) NotifyRunesDeposit(
	_ context.Context, outpoint domain.Outpoint,
) error {
	f.outpoint = &outpoint
	return f.err
}

func (f *fakeVerifierService) HandleDkgRound1(
	context.Context, ports.DkgRound1Request,
) ([]byte, error) {
	return nil, nil
}

func (f *fakeVerifierService) HandleDkgRound2(
	context.Context, ports.DkgRound2Request,
) ([]byte, error) {
	return nil, nil
}

func (f *fakeVerifierService) HandleDkgFinalize(
	context.Context, ports.DkgFinalizeRequest,
) ([]byte, error) {
	return nil, nil
}

func (f *fakeVerifierService) HandleSignRound1(
	context.Context, ports.Round1Request,
) ([]byte, error) {
	return nil, nil
}

func (f *fakeVerifierService) HandleSignRound2(
	context.Context, ports.Round2Request,
) ([]byte, error) {
	return nil, nil
}

func TestVerifierNotifyEndpoint(t *testing.T) {
	newFixture := func() (*fakeVerifierService, http.Handler) {
		svc := &fakeVerifierService{}
		handler := &verifierHandler{svc: svc}
		return svc, handler.router()
	}

	t.Run("forwards the outpoint", func(t *testing.T) {
		svc, handler := newFixture()
		req := httptest.NewRequest(
			http.MethodPost, "/api/indexer/notify-runes-deposit",
			bytes.NewReader([]byte(`{"out_point":{"txid":"aa","vout":3}}`)),
		)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		require.NotNil(t, svc.outpoint)
		require.Equal(t, "aa", svc.outpoint.Txid)
		require.Equal(t, uint32(3), svc.outpoint.VOut)
	})

	t.Run("missing outpoint is a 400", func(t *testing.T) {
		svc, handler := newFixture()
		req := httptest.NewRequest(
			http.MethodPost, "/api/indexer/notify-runes-deposit",
			bytes.NewReader([]byte(`{}`)),
		)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Nil(t, svc.outpoint)
	})

	t.Run("unknown watch is a 404", func(t *testing.T) {
		svc, handler := newFixture()
		svc.err = application.NewNotFoundError("watch", "aa:3")
		req := httptest.NewRequest(
			http.MethodPost, "/api/indexer/notify-runes-deposit",
			bytes.NewReader([]byte(`{"out_point":{"txid":"aa","vout":3}}`)),
		)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusNotFound, rr.Code)
	})
}
