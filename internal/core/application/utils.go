package application

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// keyedLocker serialises work per deposit without one global lock. Entries
// are refcounted and dropped when the last holder releases.
type keyedLocker struct {
	mu      sync.Mutex
	entries map[string]*lockerEntry
}

type lockerEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{entries: make(map[string]*lockerEntry)}
}

func (l *keyedLocker) lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockerEntry{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs <= 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

func keyHex(key *btcec.PublicKey) string {
	return hex.EncodeToString(key.SerializeCompressed())
}

// deterministicReason reports whether a failure verdict is final for the
// deposit: re-checking the chain can never flip it, so there is no point in
// waiting for the remaining verifiers.
func deterministicReason(reason string) bool {
	switch reason {
	case domain.FailureAmountMismatch, domain.FailureUnknownRune, domain.FailureDoubleSpend:
		return true
	default:
		return false
	}
}

func parsePubkey(pubkey string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %s", err)
	}
	if len(raw) != 33 {
		return nil, fmt.Errorf("invalid public key length %d, expected 33", len(raw))
	}
	return btcec.ParsePubKey(raw)
}

func validateTxid(txid string) error {
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return fmt.Errorf("invalid txid: %s", err)
	}
	return nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", name)
	}
}
