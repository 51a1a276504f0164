package frost_test

import (
	"crypto/sha256"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Sats-Terminal/spark-bridge-backend/pkg/frost"
)

// runSigning executes the two signing rounds over the wire encoding and
// returns the aggregate signature with the key it verifies against.
func runSigning(
	t *testing.T, shares []*frost.KeyShare, msg [32]byte, tweaks ...*secp256k1.ModNScalar,
) (*schnorr.Signature, *btcec.PublicKey) {
	t.Helper()

	participants := make([]uint32, 0, len(shares))
	for _, share := range shares {
		participants = append(participants, share.Index)
	}

	aggregator, err := frost.NewAggregatorSession(shares[0].Public, msg, participants, tweaks...)
	require.NoError(t, err)

	sessions := make([]*frost.SignerSession, 0, len(shares))
	for _, share := range shares {
		session := frost.NewSignerSession(share, msg, tweaks...)
		commitment, err := session.Commit()
		require.NoError(t, err)

		encoded, err := json.Marshal(commitment)
		require.NoError(t, err)
		decoded := &frost.NonceCommitment{}
		require.NoError(t, json.Unmarshal(encoded, decoded))
		require.NoError(t, aggregator.AddCommitment(decoded))

		sessions = append(sessions, session)
	}
	require.True(t, aggregator.Ready())

	pkg, err := aggregator.SigningPackage()
	require.NoError(t, err)
	encodedPkg, err := json.Marshal(pkg)
	require.NoError(t, err)

	for _, session := range sessions {
		decoded := &frost.SigningPackage{}
		require.NoError(t, json.Unmarshal(encodedPkg, decoded))
		partial, err := session.Sign(decoded)
		require.NoError(t, err)

		encoded, err := json.Marshal(partial)
		require.NoError(t, err)
		decodedPartial := &frost.PartialSignature{}
		require.NoError(t, json.Unmarshal(encoded, decodedPartial))
		require.NoError(t, aggregator.AddPartial(decodedPartial))
	}
	require.True(t, aggregator.Complete())

	sig, err := aggregator.Aggregate()
	require.NoError(t, err)

	finalKey, err := aggregator.TweakedGroupKey()
	require.NoError(t, err)
	return sig, finalKey
}

func TestSign(t *testing.T) {
	msg := sha256.Sum256([]byte("runes bridge exit"))

	for _, total := range []uint32{2, 3} {
		shares := runKeygen(t, total)
		sig, finalKey := runSigning(t, shares, msg)

		require.True(t, sig.Verify(msg[:], finalKey))

		// With no tweaks the signature verifies against the x-only group key.
		groupKey, err := schnorr.ParsePubKey(schnorr.SerializePubKey(shares[0].Public.GroupKey))
		require.NoError(t, err)
		require.True(t, sig.Verify(msg[:], groupKey))
	}
}

func TestSignWithIntentTweak(t *testing.T) {
	shares := runKeygen(t, 3)
	msg := sha256.Sum256([]byte("spark mint"))

	userKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	tweak := frost.IntentTweak(userKey.PubKey(), 5_000, "840000:3", uuid.New())

	sig, finalKey := runSigning(t, shares, msg, tweak)

	expected, err := frost.TweakedKey(shares[0].Public.GroupKey, tweak)
	require.NoError(t, err)
	require.Equal(t, schnorr.SerializePubKey(expected), schnorr.SerializePubKey(finalKey))
	require.True(t, sig.Verify(msg[:], finalKey))
}

func TestSignWithTaprootChain(t *testing.T) {
	shares := runKeygen(t, 3)
	msg := sha256.Sum256([]byte("btc exit key path spend"))

	userKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	intentTweak := frost.IntentTweak(userKey.PubKey(), 21_000, "845000:117", uuid.New())

	internalKey, err := frost.TweakedKey(shares[0].Public.GroupKey, intentTweak)
	require.NoError(t, err)

	sig, finalKey := runSigning(t, shares, msg, intentTweak, frost.TaprootTweak(internalKey))

	// The chain must land exactly on the BIP-341 output key of the deposit
	// address, so the aggregate signature is a valid key path spend.
	outputKey := txscript.ComputeTaprootKeyNoScript(internalKey)
	require.Equal(t, schnorr.SerializePubKey(outputKey), schnorr.SerializePubKey(finalKey))
	require.True(t, sig.Verify(msg[:], outputKey))
}

func TestAggregatorRejectsTamperedPartial(t *testing.T) {
	shares := runKeygen(t, 3)
	msg := sha256.Sum256([]byte("tamper"))
	participants := []uint32{1, 2, 3}

	aggregator, err := frost.NewAggregatorSession(shares[0].Public, msg, participants)
	require.NoError(t, err)

	sessions := make([]*frost.SignerSession, 0, len(shares))
	for _, share := range shares {
		session := frost.NewSignerSession(share, msg)
		commitment, err := session.Commit()
		require.NoError(t, err)
		require.NoError(t, aggregator.AddCommitment(commitment))
		sessions = append(sessions, session)
	}

	pkg, err := aggregator.SigningPackage()
	require.NoError(t, err)

	partials := make([]*frost.PartialSignature, 0, len(sessions))
	for _, session := range sessions {
		partial, err := session.Sign(pkg)
		require.NoError(t, err)
		partials = append(partials, partial)
	}

	one := new(secp256k1.ModNScalar).SetInt(1)
	tampered := &frost.PartialSignature{
		Index: partials[1].Index,
		Z:     new(secp256k1.ModNScalar).Set(partials[1].Z).Add(one),
	}

	require.NoError(t, aggregator.AddPartial(partials[0]))
	err = aggregator.AddPartial(tampered)
	require.ErrorIs(t, err, frost.ErrInvalidPartialSignature)

	// The failure is attributable and the session keeps going with the
	// honest partial from the same participant.
	require.NoError(t, aggregator.AddPartial(partials[1]))
	require.NoError(t, aggregator.AddPartial(partials[2]))

	sig, err := aggregator.Aggregate()
	require.NoError(t, err)
	finalKey, err := aggregator.TweakedGroupKey()
	require.NoError(t, err)
	require.True(t, sig.Verify(msg[:], finalKey))
}

func TestSignerRefusesForeignPackage(t *testing.T) {
	shares := runKeygen(t, 2)
	msg := sha256.Sum256([]byte("foreign package"))

	first := frost.NewSignerSession(shares[0], msg)
	firstCommit, err := first.Commit()
	require.NoError(t, err)

	second := frost.NewSignerSession(shares[1], msg)
	secondCommit, err := second.Commit()
	require.NoError(t, err)

	// Substitute the first participant's commitment with one from a
	// different session over the same share.
	rogue := frost.NewSignerSession(shares[0], msg)
	rogueCommit, err := rogue.Commit()
	require.NoError(t, err)

	_, err = first.Sign(&frost.SigningPackage{
		Message:     msg,
		Commitments: map[uint32]*frost.NonceCommitment{1: rogueCommit, 2: secondCommit},
	})
	require.Error(t, err)

	// The genuine package still signs.
	_, err = first.Sign(&frost.SigningPackage{
		Message:     msg,
		Commitments: map[uint32]*frost.NonceCommitment{1: firstCommit, 2: secondCommit},
	})
	require.NoError(t, err)
}

func TestSignerSessionSingleUse(t *testing.T) {
	shares := runKeygen(t, 2)
	msg := sha256.Sum256([]byte("single use"))

	first := frost.NewSignerSession(shares[0], msg)
	firstCommit, err := first.Commit()
	require.NoError(t, err)

	_, err = first.Commit()
	require.ErrorIs(t, err, frost.ErrSessionNotReady)

	second := frost.NewSignerSession(shares[1], msg)
	secondCommit, err := second.Commit()
	require.NoError(t, err)

	// Fresh sessions sample fresh nonces.
	require.NotEqual(t,
		firstCommit.Hiding.SerializeCompressed(),
		secondCommit.Hiding.SerializeCompressed(),
	)

	pkg := &frost.SigningPackage{
		Message:     msg,
		Commitments: map[uint32]*frost.NonceCommitment{1: firstCommit, 2: secondCommit},
	}
	_, err = first.Sign(pkg)
	require.NoError(t, err)

	// Nonces are wiped after the first signature.
	_, err = first.Sign(pkg)
	require.ErrorIs(t, err, frost.ErrSessionNotReady)
}
