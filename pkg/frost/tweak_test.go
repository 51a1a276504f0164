package frost_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Sats-Terminal/spark-bridge-backend/pkg/frost"
)

func TestIntentTweakBindsAllFields(t *testing.T) {
	userKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	otherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	requestID := uuid.New()

	base := frost.IntentTweak(userKey.PubKey(), 1_000, "840000:3", requestID)
	require.True(t, base.Equals(frost.IntentTweak(userKey.PubKey(), 1_000, "840000:3", requestID)))

	variants := []*secp256k1.ModNScalar{
		frost.IntentTweak(otherKey.PubKey(), 1_000, "840000:3", requestID),
		frost.IntentTweak(userKey.PubKey(), 1_001, "840000:3", requestID),
		frost.IntentTweak(userKey.PubKey(), 1_000, "840000:4", requestID),
		frost.IntentTweak(userKey.PubKey(), 1_000, "840000:3", uuid.New()),
	}
	for _, variant := range variants {
		require.False(t, base.Equals(variant))
	}
}

func TestTweakedKeyMatchesScalarArithmetic(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	tweak := frost.IntentTweak(priv.PubKey(), 42, "840000:1", uuid.New())

	tweaked, err := frost.TweakedKey(priv.PubKey(), tweak)
	require.NoError(t, err)

	// even(P) + t*G must equal (even(d) + t)*G.
	secret := new(secp256k1.ModNScalar).Set(&priv.Key)
	if priv.PubKey().SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd {
		secret.Negate()
	}
	secret.Add(tweak)

	var point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(secret, &point)
	point.ToAffine()
	expected := secp256k1.NewPublicKey(&point.X, &point.Y)

	require.Equal(t, expected.SerializeCompressed(), tweaked.SerializeCompressed())
}
