package sealedbox_test

import (
	"testing"

	"github.com/Sats-Terminal/spark-bridge-backend/pkg/sealedbox"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestSealedBox(t *testing.T) {
	recipient, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	plaintext := []byte("f_2(3) = 8f1f3b...")

	t.Run("round trip", func(t *testing.T) {
		box, err := sealedbox.Seal(recipient.PubKey(), plaintext)
		require.NoError(t, err)
		require.Len(t, box, len(plaintext)+sealedbox.Overhead)

		opened, err := sealedbox.Open(recipient, box)
		require.NoError(t, err)
		require.Equal(t, plaintext, opened)
	})

	t.Run("boxes are randomized", func(t *testing.T) {
		first, err := sealedbox.Seal(recipient.PubKey(), plaintext)
		require.NoError(t, err)
		second, err := sealedbox.Seal(recipient.PubKey(), plaintext)
		require.NoError(t, err)
		require.NotEqual(t, first, second)
	})

	t.Run("wrong recipient", func(t *testing.T) {
		box, err := sealedbox.Seal(recipient.PubKey(), plaintext)
		require.NoError(t, err)

		other, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		_, err = sealedbox.Open(other, box)
		require.Error(t, err)
	})

	t.Run("tampered box", func(t *testing.T) {
		box, err := sealedbox.Seal(recipient.PubKey(), plaintext)
		require.NoError(t, err)
		box[len(box)-1] ^= 0x01

		_, err = sealedbox.Open(recipient, box)
		require.Error(t, err)
	})

	t.Run("truncated box", func(t *testing.T) {
		_, err := sealedbox.Open(recipient, []byte{0x02, 0x03})
		require.EqualError(t, err, "sealed box too short, got 2 bytes")
	})
}
