package ports

import (
	"context"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

type OutpointInfo struct {
	PkScript      []byte
	Value         int64
	Confirmations uint64
}

type BitcoinNode interface {
	BroadcastTransaction(ctx context.Context, txHex string) (txid string, err error)
	// GetOutpoint returns nil without error when the outpoint is unknown or
	// already spent, which is how reorgs and double-spends surface.
	GetOutpoint(ctx context.Context, outpoint domain.Outpoint) (*OutpointInfo, error)
	GetTransactionConfirmations(ctx context.Context, txid string) (uint64, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
	// EstimateFeeRate returns sats per vbyte, clamped to the configured
	// floor when estimation is unavailable.
	EstimateFeeRate(ctx context.Context) (uint64, error)
	Close()
}
