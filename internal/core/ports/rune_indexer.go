package ports

import (
	"context"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

// RuneOutpoint is an outpoint as the rune indexer sees it, with the rune
// balance it carries.
type RuneOutpoint struct {
	domain.Outpoint
	Address       string
	RuneId        string
	RuneAmount    uint64
	Sats          uint64
	Confirmations uint64
}

type RuneInfo struct {
	RuneId       string
	Name         string
	Symbol       string
	Divisibility uint8
	Supply       string
}

type MetadataOracle interface {
	GetRuneInfo(ctx context.Context, runeId string) (*RuneInfo, error)
}

type RuneIndexer interface {
	MetadataOracle
	// GetOutpoint returns nil without error when the indexer does not know
	// the outpoint anymore.
	GetOutpoint(ctx context.Context, outpoint domain.Outpoint) (*RuneOutpoint, error)
	GetAddressOutpoints(ctx context.Context, address string) ([]RuneOutpoint, error)
	Close()
}
