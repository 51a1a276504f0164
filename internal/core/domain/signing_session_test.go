package domain_test

import (
	"testing"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/stretchr/testify/require"
)

var (
	messageHash  = "6a807ceaf9bfab5a3a7c2f9adb8ce4b7a95be7b453263f5a1cb7f0f6e7b4a9d1"
	participants = []string{"gateway", "verifier-1", "verifier-2"}
)

func newSession(t *testing.T) *domain.SigningSession {
	t.Helper()

	session, err := domain.NewSigningSession(
		"deposit-id", "request-id", shareId, domain.MintMessage,
		messageHash, participants,
	)
	require.NoError(t, err)
	require.NotEmpty(t, session.Id)
	require.Equal(t, domain.SessionAwaitNonces, session.State)
	return session
}

func TestSigningSession(t *testing.T) {
	t.Run("happy_path", func(t *testing.T) {
		session := newSession(t)

		for _, p := range participants {
			require.NoError(t, session.AddNonce(p, []byte(`{"nonce":"`+p+`"}`)))
		}
		require.True(t, session.NoncesComplete())
		require.NoError(t, session.AdvanceToPartials())
		require.Equal(t, domain.SessionAwaitPartials, session.State)

		for _, p := range participants {
			require.NoError(t, session.AddPartial(p, []byte(`{"z":"`+p+`"}`)))
		}
		require.True(t, session.PartialsComplete())
		require.NoError(t, session.Complete("aabbcc"))
		require.Equal(t, domain.SessionAggregated, session.State)
		require.Equal(t, "aabbcc", session.FinalSignature)
		require.True(t, session.IsEnded())
		require.NotZero(t, session.EndedAt)
	})

	t.Run("round_guards", func(t *testing.T) {
		session := newSession(t)

		err := session.AddPartial("gateway", []byte("x"))
		require.EqualError(t, err, "not in a valid state to add partial signatures")

		err = session.AdvanceToPartials()
		require.EqualError(t, err, "missing nonces, expected 3, got 0")

		require.NoError(t, session.AddNonce("gateway", []byte("n")))
		err = session.AddNonce("gateway", []byte("n"))
		require.EqualError(t, err, "nonce already collected for gateway")

		err = session.AddNonce("verifier-9", []byte("n"))
		require.EqualError(t, err, "unknown participant verifier-9")

		require.NoError(t, session.AddNonce("verifier-1", []byte("n")))
		require.NoError(t, session.AddNonce("verifier-2", []byte("n")))
		require.NoError(t, session.AdvanceToPartials())

		err = session.AddNonce("gateway", []byte("n"))
		require.EqualError(t, err, "not in a valid state to add nonces")

		require.NoError(t, session.AddPartial("gateway", []byte("z")))
		err = session.AddPartial("gateway", []byte("z"))
		require.EqualError(t, err, "partial signature already collected for gateway")

		err = session.Complete("aabbcc")
		require.NoError(t, err)

		err = session.Complete("ddeeff")
		require.EqualError(t, err, "not in a valid state to complete")
	})

	t.Run("partial_requires_nonce", func(t *testing.T) {
		// a session advanced by timeout policy never accepts a partial from
		// a participant that skipped round 1
		session := &domain.SigningSession{
			Id:           "id",
			ShareId:      shareId,
			MessageHash:  messageHash,
			Participants: participants,
			State:        domain.SessionAwaitPartials,
			Nonces:       map[string][]byte{"gateway": []byte("n")},
			Partials:     make(map[string][]byte),
		}

		require.NoError(t, session.AddPartial("gateway", []byte("z")))
		err := session.AddPartial("verifier-1", []byte("z"))
		require.EqualError(t, err, "no nonce collected for verifier-1")
	})

	t.Run("fail", func(t *testing.T) {
		session := newSession(t)
		session.Fail("round 1 timed out")
		require.Equal(t, domain.SessionFailed, session.State)
		require.Equal(t, "round 1 timed out", session.Error)
		require.True(t, session.IsEnded())

		// terminal, a later failure cannot overwrite the first reason
		session.Fail("other")
		require.Equal(t, "round 1 timed out", session.Error)

		err := session.AddNonce("gateway", []byte("n"))
		require.EqualError(t, err, "not in a valid state to add nonces")
	})

	t.Run("invalid_construction", func(t *testing.T) {
		fixtures := []struct {
			shareId      string
			hash         string
			participants []string
			expectedErr  string
		}{
			{"", messageHash, participants, "missing share id"},
			{shareId, "", participants, "missing message hash"},
			{shareId, messageHash, nil, "missing participants"},
			{shareId, messageHash, []string{"a", "a"}, "duplicate participant a"},
			{shareId, messageHash, []string{"a", ""}, "missing participant id"},
		}

		for _, f := range fixtures {
			_, err := domain.NewSigningSession(
				"deposit-id", "request-id", f.shareId, domain.MintMessage,
				f.hash, f.participants,
			)
			require.EqualError(t, err, f.expectedErr)
		}
	})
}
