package domain

import (
	"fmt"
	"sort"
)

const (
	UtxoPending UtxoStatus = iota
	UtxoConfirmed
	UtxoLocked
	UtxoSpent
)

type UtxoStatus int

func (s UtxoStatus) String() string {
	switch s {
	case UtxoConfirmed:
		return "confirmed"
	case UtxoLocked:
		return "locked"
	case UtxoSpent:
		return "spent"
	default:
		return "pending"
	}
}

// Utxo is a bridge-controlled rune outpoint, created by a settled deposit
// and consumed by an exit. Locked marks it reserved for an in-flight exit.
type Utxo struct {
	Outpoint
	Address    string
	RuneId     string
	RuneAmount uint64
	Sats       uint64
	Status     UtxoStatus
	DepositId  string
	LockedBy   string
	SpentBy    string
	CreatedAt  int64
}

func (u Utxo) IsSpendable() bool {
	return u.Status == UtxoConfirmed
}

// SelectUtxos picks confirmed utxos of the given rune covering the target
// amount: the smallest single utxo above the target if one exists, otherwise
// ascending accumulation until covered.
func SelectUtxos(utxos []Utxo, runeId string, target uint64) ([]Utxo, error) {
	if target <= 0 {
		return nil, fmt.Errorf("missing target amount")
	}

	spendable := make([]Utxo, 0, len(utxos))
	for _, utxo := range utxos {
		if utxo.RuneId == runeId && utxo.IsSpendable() {
			spendable = append(spendable, utxo)
		}
	}
	sort.SliceStable(spendable, func(i, j int) bool {
		return spendable[i].RuneAmount < spendable[j].RuneAmount
	})

	for _, utxo := range spendable {
		if utxo.RuneAmount >= target {
			return []Utxo{utxo}, nil
		}
	}

	selected := make([]Utxo, 0, len(spendable))
	total := uint64(0)
	for _, utxo := range spendable {
		selected = append(selected, utxo)
		total += utxo.RuneAmount
		if total >= target {
			return selected, nil
		}
	}

	return nil, fmt.Errorf(
		"not enough rune funds, target %d, available %d", target, total,
	)
}
