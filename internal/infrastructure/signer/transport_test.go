package signer_test

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/signer"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestSigningPlane(t *testing.T) {
	gatewayKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	verifierKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	svc := newFakeVerifierService()
	server, err := signer.NewServer(signer.ServerConfig{
		Port:             0,
		Datadir:          t.TempDir(),
		IdentityKey:      verifierKey,
		GatewayPublicKey: publicKeyHex(gatewayKey),
	}, svc)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	defer server.Stop()

	transport, err := signer.NewTransport(signer.TransportConfig{
		IdentityKey: gatewayKey,
		Endpoints: map[string]signer.Endpoint{
			"verifier-1": {
				Address:   dialableAddr(t, server.Addr()),
				PublicKey: publicKeyHex(verifierKey),
			},
		},
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer transport.Close()

	ctx := context.Background()

	t.Run("register and revoke intent", func(t *testing.T) {
		intent := ports.SigningIntent{
			DepositId:       "deposit-1",
			UserPublicKey:   publicKeyHex(gatewayKey),
			RuneId:          "840000:3",
			Amount:          21000,
			Chain:           domain.ChainBitcoin,
			ReceiverAddress: "sprt1qreceiver",
			DepositAddress:  "bcrt1pdeposit",
			ShareId:         "share-1",
			GroupPublicKey:  publicKeyHex(verifierKey),
			IssuerPublicKey: publicKeyHex(verifierKey),
			Outpoint:        &domain.Outpoint{Txid: "aa", VOut: 3},
		}
		require.NoError(t, transport.RegisterIntent(ctx, "verifier-1", intent))
		require.Equal(t, intent, svc.intent("deposit-1"))

		require.NoError(t, transport.RevokeIntent(ctx, "verifier-1", "deposit-1"))
		require.Equal(t, []string{"deposit-1"}, svc.revokedIds())
	})

	t.Run("signing rounds carry payloads both ways", func(t *testing.T) {
		svc.setRound1([]byte("nonce commitment"), nil)

		reply, err := transport.SendRound1(ctx, "verifier-1", ports.Round1Request{
			SessionId:   "session-1",
			DepositId:   "deposit-1",
			RequestId:   "request-1",
			ShareId:     "share-1",
			Kind:        domain.MintMessage,
			MessageHash: "beef",
		})
		require.NoError(t, err)
		require.Equal(t, []byte("nonce commitment"), reply)

		got := svc.lastRound1Request()
		require.Equal(t, "session-1", got.SessionId)
		require.Equal(t, "deposit-1", got.DepositId)
		require.Equal(t, "request-1", got.RequestId)
		require.Equal(t, domain.MintMessage, got.Kind)
		require.Equal(t, "beef", got.MessageHash)

		reply, err = transport.SendRound2(ctx, "verifier-1", ports.Round2Request{
			SessionId:      "session-1",
			SigningPackage: []byte("package"),
		})
		require.NoError(t, err)
		require.Equal(t, []byte("partial signature"), reply)
		require.Equal(t, []byte("package"), svc.lastRound2Request().SigningPackage)
	})

	t.Run("refusals come back typed", func(t *testing.T) {
		svc.setRound1(nil, &ports.SignerRefusal{
			VerifierId: "verifier-1",
			Code:       ports.RefusalHashMismatch,
			Detail:     "stale tweak",
		})
		defer svc.setRound1(nil, nil)

		_, err := transport.SendRound1(ctx, "verifier-1", ports.Round1Request{
			SessionId: "session-2",
		})
		require.Error(t, err)

		var refusal *ports.SignerRefusal
		require.True(t, errors.As(err, &refusal))
		require.Equal(t, "verifier-1", refusal.VerifierId)
		require.Equal(t, ports.RefusalHashMismatch, refusal.Code)
		require.Equal(t, "stale tweak", refusal.Detail)
	})

	t.Run("handler failures come back as errors", func(t *testing.T) {
		svc.setRound1(nil, fmt.Errorf("share store unavailable"))
		defer svc.setRound1(nil, nil)

		_, err := transport.SendRound1(ctx, "verifier-1", ports.Round1Request{
			SessionId: "session-3",
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "share store unavailable")

		var refusal *ports.SignerRefusal
		require.False(t, errors.As(err, &refusal))
	})

	t.Run("dkg rounds", func(t *testing.T) {
		reply, err := transport.DkgRound1(ctx, "verifier-1", ports.DkgRound1Request{
			CeremonyId:      "ceremony-1",
			Index:           2,
			Threshold:       3,
			Total:           3,
			ParticipantKeys: []string{publicKeyHex(gatewayKey), publicKeyHex(verifierKey)},
		})
		require.NoError(t, err)
		require.Equal(t, []byte("dkg round 1"), reply)
		require.Equal(t, uint32(2), svc.lastDkgRound1Request().Index)
		require.Equal(t, "ceremony-1", svc.lastDkgRound1Request().CeremonyId)

		reply, err = transport.DkgRound2(ctx, "verifier-1", ports.DkgRound2Request{
			CeremonyId: "ceremony-1",
			Packages:   []byte("packages"),
		})
		require.NoError(t, err)
		require.Equal(t, []byte("dkg round 2"), reply)

		reply, err = transport.DkgFinalize(ctx, "verifier-1", ports.DkgFinalizeRequest{
			CeremonyId: "ceremony-1",
			Shares:     []byte("sealed shares"),
		})
		require.NoError(t, err)
		require.Equal(t, []byte("dkg finalized"), reply)
	})

	t.Run("unknown verifier", func(t *testing.T) {
		err := transport.RegisterIntent(ctx, "verifier-9", ports.SigningIntent{DepositId: "d"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown verifier")
	})

	t.Run("foreign gateway key is rejected", func(t *testing.T) {
		foreignKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		foreign, err := signer.NewTransport(signer.TransportConfig{
			IdentityKey: foreignKey,
			Endpoints: map[string]signer.Endpoint{
				"verifier-1": {
					Address:   dialableAddr(t, server.Addr()),
					PublicKey: publicKeyHex(verifierKey),
				},
			},
			RequestTimeout: 5 * time.Second,
		})
		require.NoError(t, err)
		defer foreign.Close()

		_, err = foreign.SendRound2(ctx, "verifier-1", ports.Round2Request{SessionId: "session-4"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid envelope signature")
	})
}

func TestNewTransportValidation(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, err = signer.NewTransport(signer.TransportConfig{})
	require.Error(t, err)

	_, err = signer.NewTransport(signer.TransportConfig{IdentityKey: key})
	require.Error(t, err)

	_, err = signer.NewTransport(signer.TransportConfig{
		IdentityKey: key,
		Endpoints: map[string]signer.Endpoint{
			"verifier-1": {Address: "localhost:7170", PublicKey: "not hex"},
		},
	})
	require.Error(t, err)
}

func publicKeyHex(key *btcec.PrivateKey) string {
	return hex.EncodeToString(key.PubKey().SerializeCompressed())
}

func dialableAddr(t *testing.T, addr string) string {
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return net.JoinHostPort("127.0.0.1", port)
}

type fakeVerifierService struct {
	mu          sync.Mutex
	intents     map[string]ports.SigningIntent
	revoked     []string
	round1Reply []byte
	round1Err   error
	lastRound1  ports.Round1Request
	lastRound2  ports.Round2Request
	lastDkg1    ports.DkgRound1Request
}

func newFakeVerifierService() *fakeVerifierService {
	return &fakeVerifierService{intents: make(map[string]ports.SigningIntent)}
}

func (s *fakeVerifierService) Start() error { return nil }
func (s *fakeVerifierService) Stop()        {}

func (s *fakeVerifierService) RegisterIntent(_ context.Context, intent ports.SigningIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.DepositId] = intent
	return nil
}

func (s *fakeVerifierService) RevokeIntent(_ context.Context, depositId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = append(s.revoked, depositId)
	return nil
}

func (s *fakeVerifierService) NotifyRunesDeposit(context.Context, domain.Outpoint) error {
	return nil
}

func (s *fakeVerifierService) HandleDkgRound1(_ context.Context, req ports.DkgRound1Request) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDkg1 = req
	return []byte("dkg round 1"), nil
}

func (s *fakeVerifierService) HandleDkgRound2(context.Context, ports.DkgRound2Request) ([]byte, error) {
	return []byte("dkg round 2"), nil
}

func (s *fakeVerifierService) HandleDkgFinalize(context.Context, ports.DkgFinalizeRequest) ([]byte, error) {
	return []byte("dkg finalized"), nil
}

func (s *fakeVerifierService) HandleSignRound1(_ context.Context, req ports.Round1Request) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRound1 = req
	if s.round1Err != nil {
		return nil, s.round1Err
	}
	return s.round1Reply, nil
}

func (s *fakeVerifierService) HandleSignRound2(_ context.Context, req ports.Round2Request) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRound2 = req
	return []byte("partial signature"), nil
}

func (s *fakeVerifierService) intent(depositId string) ports.SigningIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intents[depositId]
}

func (s *fakeVerifierService) revokedIds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *fakeVerifierService) setRound1(reply []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round1Reply, s.round1Err = reply, err
}

func (s *fakeVerifierService) lastRound1Request() ports.Round1Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRound1
}

func (s *fakeVerifierService) lastRound2Request() ports.Round2Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRound2
}

func (s *fakeVerifierService) lastDkgRound1Request() ports.DkgRound1Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDkg1
}
