package frost

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
)

// IntentTweak derives the deposit tweak scalar binding a bridge request to
// the user key, amount, rune and request id:
//
//	t = SHA256("tweak" || user_pubkey || amount_be || rune_id || request_id) mod n
//
// Two requests differing in any field land on different deposit keys, so a
// payment can never be credited to the wrong request.
func IntentTweak(userKey *btcec.PublicKey, amount uint64, runeID string, requestID uuid.UUID) *secp256k1.ModNScalar {
	var amountBytes [8]byte
	binary.BigEndian.PutUint64(amountBytes[:], amount)

	hasher := sha256.New()
	hasher.Write(tagIntentTweak)
	hasher.Write(userKey.SerializeCompressed())
	hasher.Write(amountBytes[:])
	hasher.Write([]byte(runeID))
	hasher.Write(requestID[:])

	tweak := new(secp256k1.ModNScalar)
	tweak.SetByteSlice(hasher.Sum(nil))
	return tweak
}

// TweakedKey returns even(groupKey) + t*G, the per-request key the signing
// sessions target. The result keeps its natural parity; callers that need an
// x-only form serialize it with schnorr.SerializePubKey.
func TweakedKey(groupKey *btcec.PublicKey, tweak *secp256k1.ModNScalar) (*btcec.PublicKey, error) {
	even, _, err := normalizeEven(groupKey)
	if err != nil {
		return nil, err
	}

	var point, term secp256k1.JacobianPoint
	pubKeyToPoint(even, &point)
	secp256k1.ScalarBaseMultNonConst(tweak, &term)
	secp256k1.AddNonConst(&point, &term, &point)

	key, err := pointToPubKey(&point)
	if err != nil {
		return nil, fmt.Errorf("tweaked key: %w", err)
	}
	return key, nil
}

// TaprootTweak returns the BIP-341 key-path tweak scalar for an internal key
// with no script tree. Feeding it to a signing session after the intent
// tweak makes the aggregate signature valid for the key-path spend of the
// deposit output.
func TaprootTweak(internalKey *btcec.PublicKey) *secp256k1.ModNScalar {
	hash := chainhash.TaggedHash(chainhash.TagTapTweak, schnorr.SerializePubKey(internalKey))
	tweak := new(secp256k1.ModNScalar)
	tweak.SetByteSlice(hash[:])
	return tweak
}
