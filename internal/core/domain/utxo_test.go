package domain_test

import (
	"testing"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/stretchr/testify/require"
)

func makeUtxo(vout uint32, runeAmount uint64, status domain.UtxoStatus) domain.Utxo {
	return domain.Utxo{
		Outpoint:   domain.Outpoint{Txid: txid, VOut: vout},
		RuneId:     runeId,
		RuneAmount: runeAmount,
		Sats:       546,
		Status:     status,
	}
}

func TestSelectUtxos(t *testing.T) {
	utxos := []domain.Utxo{
		makeUtxo(0, 300, domain.UtxoConfirmed),
		makeUtxo(1, 1200, domain.UtxoConfirmed),
		makeUtxo(2, 500, domain.UtxoConfirmed),
		makeUtxo(3, 5000, domain.UtxoLocked),
		makeUtxo(4, 5000, domain.UtxoPending),
	}

	t.Run("smallest_single_above_target", func(t *testing.T) {
		selected, err := domain.SelectUtxos(utxos, runeId, 400)
		require.NoError(t, err)
		require.Len(t, selected, 1)
		require.Equal(t, uint64(500), selected[0].RuneAmount)
	})

	t.Run("exact_match", func(t *testing.T) {
		selected, err := domain.SelectUtxos(utxos, runeId, 1200)
		require.NoError(t, err)
		require.Len(t, selected, 1)
		require.Equal(t, uint64(1200), selected[0].RuneAmount)
	})

	t.Run("ascending_fill", func(t *testing.T) {
		selected, err := domain.SelectUtxos(utxos, runeId, 1600)
		require.NoError(t, err)
		require.Len(t, selected, 3)
		require.Equal(t, uint64(300), selected[0].RuneAmount)
		require.Equal(t, uint64(500), selected[1].RuneAmount)
		require.Equal(t, uint64(1200), selected[2].RuneAmount)
	})

	t.Run("skips_unspendable", func(t *testing.T) {
		// locked and pending utxos never get picked, even when they alone
		// would cover the target
		_, err := domain.SelectUtxos(utxos, runeId, 4000)
		require.EqualError(t, err, "not enough rune funds, target 4000, available 2000")
	})

	t.Run("wrong_rune", func(t *testing.T) {
		_, err := domain.SelectUtxos(utxos, "840000:99", 100)
		require.Error(t, err)
	})

	t.Run("missing_target", func(t *testing.T) {
		_, err := domain.SelectUtxos(utxos, runeId, 0)
		require.EqualError(t, err, "missing target amount")
	})
}
