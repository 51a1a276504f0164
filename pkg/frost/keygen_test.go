package frost_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/Sats-Terminal/spark-bridge-backend/pkg/frost"
)

// runKeygen executes a full M-of-M DKG, passing the round-1 broadcasts
// through their wire encoding the way the signing plane does.
func runKeygen(t *testing.T, total uint32) []*frost.KeyShare {
	t.Helper()

	participants := make([]*frost.KeygenParticipant, 0, total)
	for index := uint32(1); index <= total; index++ {
		participant, err := frost.NewKeygenParticipant(index, total)
		require.NoError(t, err)
		participants = append(participants, participant)
	}

	round1 := make(map[uint32]*frost.KeygenRound1, total)
	for i, participant := range participants {
		pkg, err := participant.Round1()
		require.NoError(t, err)

		encoded, err := json.Marshal(pkg)
		require.NoError(t, err)
		decoded := &frost.KeygenRound1{}
		require.NoError(t, json.Unmarshal(encoded, decoded))
		round1[uint32(i+1)] = decoded
	}

	sharesFor := make(map[uint32]map[uint32]*frost.SecretShare, total)
	for index := uint32(1); index <= total; index++ {
		sharesFor[index] = make(map[uint32]*frost.SecretShare, total-1)
	}
	for i, participant := range participants {
		shares, err := participant.Round2(round1)
		require.NoError(t, err)
		require.Len(t, shares, int(total)-1)
		for recipient, share := range shares {
			encoded, err := json.Marshal(share)
			require.NoError(t, err)
			decoded := &frost.SecretShare{}
			require.NoError(t, json.Unmarshal(encoded, decoded))
			require.Equal(t, uint32(i+1), decoded.From)
			sharesFor[recipient][decoded.From] = decoded
		}
	}

	keyShares := make([]*frost.KeyShare, 0, total)
	for i, participant := range participants {
		keyShare, err := participant.Finalize(sharesFor[uint32(i+1)])
		require.NoError(t, err)
		require.Equal(t, uint32(i+1), keyShare.Index)
		keyShares = append(keyShares, keyShare)
	}
	return keyShares
}

func TestKeygen(t *testing.T) {
	for _, total := range []uint32{2, 3, 5} {
		t.Run(fmt.Sprintf("%d parties", total), func(t *testing.T) {
			shares := runKeygen(t, total)

			groupKey := shares[0].Public.GroupKey
			for _, share := range shares[1:] {
				require.Equal(t,
					groupKey.SerializeCompressed(),
					share.Public.GroupKey.SerializeCompressed(),
				)
			}

			// Every public share recomputed from the commitments must match
			// the secret share each party actually holds.
			for _, share := range shares {
				expected, err := shares[0].Public.ParticipantKey(share.Index)
				require.NoError(t, err)

				var point secp256k1.JacobianPoint
				secp256k1.ScalarBaseMultNonConst(share.Secret, &point)
				point.ToAffine()
				actual := secp256k1.NewPublicKey(&point.X, &point.Y)
				require.Equal(t, expected.SerializeCompressed(), actual.SerializeCompressed())
			}

			// Interpolating all shares at zero must land on the group secret.
			participants := make([]uint32, 0, total)
			for _, share := range shares {
				participants = append(participants, share.Index)
			}
			reconstructed := new(secp256k1.ModNScalar)
			for _, share := range shares {
				lambda, err := frost.LagrangeCoefficient(participants, share.Index)
				require.NoError(t, err)
				term := new(secp256k1.ModNScalar).Mul2(lambda, share.Secret)
				reconstructed.Add(term)
			}
			var point secp256k1.JacobianPoint
			secp256k1.ScalarBaseMultNonConst(reconstructed, &point)
			point.ToAffine()
			require.Equal(t,
				groupKey.SerializeCompressed(),
				secp256k1.NewPublicKey(&point.X, &point.Y).SerializeCompressed(),
			)
		})
	}
}

func TestKeygenRejectsInvalidProof(t *testing.T) {
	first, err := frost.NewKeygenParticipant(1, 3)
	require.NoError(t, err)
	second, err := frost.NewKeygenParticipant(2, 3)
	require.NoError(t, err)
	third, err := frost.NewKeygenParticipant(3, 3)
	require.NoError(t, err)

	round1 := make(map[uint32]*frost.KeygenRound1, 3)
	for index, participant := range map[uint32]*frost.KeygenParticipant{1: first, 2: second, 3: third} {
		pkg, err := participant.Round1()
		require.NoError(t, err)
		round1[index] = pkg
	}

	one := new(secp256k1.ModNScalar).SetInt(1)
	round1[2].ProofS.Add(one)

	_, err = first.Round2(round1)
	require.ErrorIs(t, err, frost.ErrInvalidProofOfKnowledge)
}

func TestKeygenRejectsInvalidShare(t *testing.T) {
	total := uint32(3)
	participants := make([]*frost.KeygenParticipant, 0, total)
	for index := uint32(1); index <= total; index++ {
		participant, err := frost.NewKeygenParticipant(index, total)
		require.NoError(t, err)
		participants = append(participants, participant)
	}

	round1 := make(map[uint32]*frost.KeygenRound1, total)
	for i, participant := range participants {
		pkg, err := participant.Round1()
		require.NoError(t, err)
		round1[uint32(i+1)] = pkg
	}

	sharesFor := make(map[uint32]map[uint32]*frost.SecretShare, total)
	for index := uint32(1); index <= total; index++ {
		sharesFor[index] = make(map[uint32]*frost.SecretShare, total-1)
	}
	for i, participant := range participants {
		shares, err := participant.Round2(round1)
		require.NoError(t, err)
		for recipient, share := range shares {
			sharesFor[recipient][uint32(i+1)] = share
		}
	}

	one := new(secp256k1.ModNScalar).SetInt(1)
	sharesFor[1][3].Value.Add(one)

	_, err := participants[0].Finalize(sharesFor[1])
	require.ErrorIs(t, err, frost.ErrInvalidSecretShare)

	// The untampered parties still finalize.
	_, err = participants[1].Finalize(sharesFor[2])
	require.NoError(t, err)
}

func TestKeygenRejectsIncompletePackageSet(t *testing.T) {
	first, err := frost.NewKeygenParticipant(1, 3)
	require.NoError(t, err)
	second, err := frost.NewKeygenParticipant(2, 3)
	require.NoError(t, err)

	firstPkg, err := first.Round1()
	require.NoError(t, err)
	secondPkg, err := second.Round1()
	require.NoError(t, err)

	_, err = first.Round2(map[uint32]*frost.KeygenRound1{1: firstPkg, 2: secondPkg})
	require.Error(t, err)
}

func TestKeyShareEncoding(t *testing.T) {
	shares := runKeygen(t, 2)

	encoded, err := json.Marshal(shares[0])
	require.NoError(t, err)

	decoded := &frost.KeyShare{}
	require.NoError(t, json.Unmarshal(encoded, decoded))
	require.Equal(t, shares[0].Index, decoded.Index)
	require.True(t, shares[0].Secret.Equals(decoded.Secret))
	require.Equal(t,
		shares[0].Public.GroupKey.SerializeCompressed(),
		decoded.Public.GroupKey.SerializeCompressed(),
	)

	// A decoded share must still be able to verify partials, i.e. carry the
	// full commitment set.
	for index := uint32(1); index <= 2; index++ {
		expected, err := shares[0].Public.ParticipantKey(index)
		require.NoError(t, err)
		actual, err := decoded.Public.ParticipantKey(index)
		require.NoError(t, err)
		require.Equal(t, expected.SerializeCompressed(), actual.SerializeCompressed())
	}
}
