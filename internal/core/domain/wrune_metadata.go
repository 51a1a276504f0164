package domain

import (
	"fmt"
	"time"
)

// WruneMetadata is the cached description of a bridged rune and its wrapped
// token on Spark, refreshed periodically from the rune indexer.
type WruneMetadata struct {
	RuneId          string
	Name            string
	Symbol          string
	Divisibility    uint8
	Supply          string
	TokenIdentifier string
	IssuerPublicKey string
	BitcoinNetwork  string
	SparkNetwork    string
	CreatedAt       int64
	UpdatedAt       int64
}

func NewWruneMetadata(
	runeId, name, symbol string, divisibility uint8, supply string,
	tokenIdentifier, issuerPublicKey, bitcoinNetwork, sparkNetwork string,
) (*WruneMetadata, error) {
	if len(runeId) <= 0 {
		return nil, fmt.Errorf("missing rune id")
	}
	if len(name) <= 0 {
		return nil, fmt.Errorf("missing rune name")
	}
	if len(issuerPublicKey) <= 0 {
		return nil, fmt.Errorf("missing issuer public key")
	}

	now := time.Now().Unix()
	return &WruneMetadata{
		RuneId:          runeId,
		Name:            name,
		Symbol:          symbol,
		Divisibility:    divisibility,
		Supply:          supply,
		TokenIdentifier: tokenIdentifier,
		IssuerPublicKey: issuerPublicKey,
		BitcoinNetwork:  bitcoinNetwork,
		SparkNetwork:    sparkNetwork,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// BaseAmount converts a human-unit amount to base units using the cached
// divisibility.
func (m WruneMetadata) BaseAmount(humanAmount uint64) (uint64, error) {
	amount := humanAmount
	for i := uint8(0); i < m.Divisibility; i++ {
		next := amount * 10
		if next/10 != amount {
			return 0, fmt.Errorf(
				"amount %d overflows with divisibility %d", humanAmount, m.Divisibility,
			)
		}
		amount = next
	}
	return amount, nil
}
