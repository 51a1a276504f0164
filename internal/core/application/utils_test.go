package application

import (
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker(t *testing.T) {
	t.Run("serialises holders of the same key", func(t *testing.T) {
		locker := newKeyedLocker()

		var active, violations int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release := locker.lock("deposit-1")
				defer release()

				if atomic.AddInt32(&active, 1) != 1 {
					atomic.AddInt32(&violations, 1)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
			}()
		}
		wg.Wait()

		require.Zero(t, atomic.LoadInt32(&violations))
	})

	t.Run("independent keys do not block each other", func(t *testing.T) {
		locker := newKeyedLocker()
		releaseA := locker.lock("deposit-a")
		defer releaseA()

		done := make(chan struct{})
		go func() {
			release := locker.lock("deposit-b")
			release()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on an independent key blocked")
		}
	})

	t.Run("drops entries once released", func(t *testing.T) {
		locker := newKeyedLocker()

		release := locker.lock("deposit-1")
		release()
		release = locker.lock("deposit-2")
		release()

		require.Empty(t, locker.entries)
	})
}

func TestDeterministicReason(t *testing.T) {
	fixtures := []struct {
		reason string
		final  bool
	}{
		{domain.FailureAmountMismatch, true},
		{domain.FailureUnknownRune, true},
		{domain.FailureDoubleSpend, true},
		{domain.FailureQuorumLost, false},
		{domain.FailureCancelled, false},
		{"node_unreachable", false},
		{"", false},
	}

	for _, f := range fixtures {
		require.Equal(t, f.final, deterministicReason(f.reason), f.reason)
	}
}

func TestParsePubkey(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	parsed, err := parsePubkey(hex.EncodeToString(key.PubKey().SerializeCompressed()))
	require.NoError(t, err)
	require.True(t, parsed.IsEqual(key.PubKey()))

	_, err = parsePubkey("not hex")
	require.Error(t, err)

	// x-only keys are not accepted, the compressed form is required
	_, err = parsePubkey(hex.EncodeToString(key.PubKey().SerializeCompressed()[1:]))
	require.ErrorContains(t, err, "invalid public key length 32")
}

func TestValidateTxid(t *testing.T) {
	require.NoError(t, validateTxid(strings.Repeat("ab", 32)))
	require.Error(t, validateTxid("abcd"))
	require.Error(t, validateTxid(strings.Repeat("zz", 32)))
}

func TestNetworkParams(t *testing.T) {
	fixtures := []struct {
		name     string
		expected *chaincfg.Params
	}{
		{"bitcoin", &chaincfg.MainNetParams},
		{"mainnet", &chaincfg.MainNetParams},
		{"testnet", &chaincfg.TestNet3Params},
		{"signet", &chaincfg.SigNetParams},
		{"regtest", &chaincfg.RegressionNetParams},
	}

	for _, f := range fixtures {
		params, err := networkParams(f.name)
		require.NoError(t, err)
		require.Same(t, f.expected, params)
	}

	_, err := networkParams("litecoin")
	require.Error(t, err)
}
