package frost

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// AggregateOperatorKeys combines the static keys of the signing parties into
// the single key published in wrapped-rune metadata. Keys are sorted before
// aggregation so every party derives the same result regardless of its local
// ordering.
func AggregateOperatorKeys(pubkeys []*btcec.PublicKey) (*btcec.PublicKey, error) {
	if len(pubkeys) == 0 {
		return nil, errors.New("no pubkeys")
	}
	for _, pubkey := range pubkeys {
		if pubkey == nil {
			return nil, errors.New("nil pubkey")
		}
	}

	key, _, _, err := musig2.AggregateKeys(pubkeys, true)
	if err != nil {
		return nil, err
	}
	return key.FinalKey, nil
}
