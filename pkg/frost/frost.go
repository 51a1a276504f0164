// Package frost implements the M-of-M distributed key generation and
// two-round threshold Schnorr signing protocol used by the bridge signing
// plane. Key generation follows the Pedersen construction: every party
// commits to a random polynomial, proves knowledge of its constant term and
// distributes evaluations to the other parties. Signing follows the
// commit/sign flow with a binding value per participant, producing standard
// BIP-340 signatures verifiable against the (optionally tweaked) group key.
//
// Parties are identified by fixed 1-based indices agreed at session start.
// All wire types marshal to JSON with hex-encoded scalars and points so they
// can travel inside signing-plane envelopes.
package frost

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrInvalidPartialSignature is returned when a participant share fails
	// the per-partial verification equation. The failing participant is
	// reported alongside so the session can drop it without aborting.
	ErrInvalidPartialSignature = errors.New("invalid partial signature")

	// ErrInvalidProofOfKnowledge is returned during key generation when a
	// party's round-1 proof does not verify. The DKG aborts deterministically.
	ErrInvalidProofOfKnowledge = errors.New("invalid proof of knowledge")

	// ErrInvalidSecretShare is returned when a round-2 evaluation does not
	// match the sender's committed polynomial.
	ErrInvalidSecretShare = errors.New("invalid secret share")

	ErrMissingCommitments = errors.New("missing nonce commitments")
	ErrSessionNotReady    = errors.New("session is not ready for this round")
)

// Signature tags. The nonce-binding tag commits each participant's nonce pair
// to the message and the full commitment set, the proof tag binds the DKG
// proof of knowledge to the party index.
var (
	tagNonceBinding = []byte("nonce-binding")
	tagKeygenProof  = []byte("keygen/pok")
	tagIntentTweak  = []byte("tweak")
)

// normalizeEven returns the even-Y form of the given public key, i.e. the
// point a BIP-340 verifier reconstructs from its x-only serialization, and
// whether the input had to be negated to get there.
func normalizeEven(pub *btcec.PublicKey) (*btcec.PublicKey, bool, error) {
	negated := pub.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd
	even, err := schnorr.ParsePubKey(schnorr.SerializePubKey(pub))
	if err != nil {
		return nil, false, fmt.Errorf("normalize key: %s", err)
	}
	return even, negated, nil
}

// pointToPubKey converts a jacobian point to a public key. The point must not
// be the identity.
func pointToPubKey(point *secp256k1.JacobianPoint) (*btcec.PublicKey, error) {
	if (point.X.IsZero() && point.Y.IsZero()) || point.Z.IsZero() {
		return nil, errors.New("point at infinity")
	}
	affine := *point
	affine.ToAffine()
	return btcec.NewPublicKey(&affine.X, &affine.Y), nil
}

func pubKeyToPoint(pub *btcec.PublicKey, out *secp256k1.JacobianPoint) {
	pub.AsJacobian(out)
}

// randomScalar samples a non-zero scalar from the OS CSPRNG.
func randomScalar() (*secp256k1.ModNScalar, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &priv.Key, nil
}
