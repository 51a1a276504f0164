package ports

import (
	"context"

	"github.com/Sats-Terminal/spark-bridge-backend/pkg/spark"
)

// TokenLeaf is a spendable token output on Spark as reported by the
// operator.
type TokenLeaf struct {
	ParentHash      string
	ParentIndex     uint32
	OwnerPublicKey  string
	TokenIdentifier string
	Amount          uint64
}

type TokenTxInfo struct {
	Hash      string
	Finalized bool
}

type SparkClient interface {
	// BroadcastTokenTransaction submits a fully signed token transaction,
	// returning its canonical hash.
	BroadcastTokenTransaction(
		ctx context.Context, tx *spark.TokenTransaction, ownerSignature []byte,
	) (string, error)
	GetTokenTransaction(ctx context.Context, txHash string) (*TokenTxInfo, error)
	ListTokenLeaves(
		ctx context.Context, ownerPublicKey, tokenIdentifier string,
	) ([]TokenLeaf, error)
	GetTokenBalance(
		ctx context.Context, ownerPublicKey, tokenIdentifier string,
	) (uint64, error)
	Close()
}
