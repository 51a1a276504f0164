package ports

import (
	"context"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

// Verdicts a verifier reports for a watched deposit.
const (
	NotifyStatusPending   = "pending"
	NotifyStatusConfirmed = "confirmed"
	NotifyStatusFailed    = "failed"
)

// DepositNotification is a verifier's verdict on a watched deposit. Rune
// deposits are keyed by outpoint, spark deposits by the watched address.
type DepositNotification struct {
	VerifierId    string
	Outpoint      *domain.Outpoint
	SparkAddress  string
	SatsFeeAmount uint64
	Status        string
	// refusal code plus free-form detail, failed verdicts only
	Reason string
	Detail string
}

// GatewayClient is the verifier's channel back to the gateway.
type GatewayClient interface {
	NotifyRunesDeposit(ctx context.Context, notification DepositNotification) error
	NotifySparkDeposit(ctx context.Context, notification DepositNotification) error
	Close()
}
