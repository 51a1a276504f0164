package application

import (
	"context"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
)

// GatewayService is the public surface of the bridge coordinator: it issues
// deposit addresses, takes user confirmations, collects verifier verdicts
// and drives the signing pipelines that settle deposits on the counterparty
// chain.
type GatewayService interface {
	Start() error
	Stop()
	GetBtcDepositAddress(
		ctx context.Context, userPublicKey, runeId string, amount uint64,
	) (string, error)
	GetSparkDepositAddress(
		ctx context.Context, userPublicKey, runeId string, amount uint64,
	) (string, error)
	BridgeRunes(ctx context.Context, request BridgeRunesRequest) error
	ExitSpark(ctx context.Context, request ExitSparkRequest) error
	CancelBridgeRequest(ctx context.Context, btcAddress string) error
	NotifyDeposit(ctx context.Context, notification ports.DepositNotification) error
	GetActivity(ctx context.Context, userPublicKey string) ([]ActivityItem, error)
	GetTransaction(ctx context.Context, txid string) (*ActivityItem, error)
	ListWrunes(ctx context.Context) ([]domain.WruneMetadata, error)
	RefreshMetadata(ctx context.Context) error
	SharePool(ctx context.Context) (SharePoolInfo, error)
}

// VerifierService is one verifier's side of the signing plane: it stores
// watch intents, runs its own chain checks and answers DKG and signing
// rounds. Round handlers return the encoded round payload or a typed
// refusal.
type VerifierService interface {
	Start() error
	Stop()
	RegisterIntent(ctx context.Context, intent ports.SigningIntent) error
	RevokeIntent(ctx context.Context, depositId string) error
	NotifyRunesDeposit(ctx context.Context, outpoint domain.Outpoint) error
	HandleDkgRound1(ctx context.Context, request ports.DkgRound1Request) ([]byte, error)
	HandleDkgRound2(ctx context.Context, request ports.DkgRound2Request) ([]byte, error)
	HandleDkgFinalize(ctx context.Context, request ports.DkgFinalizeRequest) ([]byte, error)
	HandleSignRound1(ctx context.Context, request ports.Round1Request) ([]byte, error)
	HandleSignRound2(ctx context.Context, request ports.Round2Request) ([]byte, error)
}

// BridgeRunesRequest confirms a rune deposit: the user names the funding
// outpoint and the spark address the wrapped runes must land on.
type BridgeRunesRequest struct {
	BtcAddress    string
	BridgeAddress string
	Txid          string
	VOut          uint32
	FeePayment    *domain.FeePayment
}

// ExitSparkRequest starts an exit: the user names the spark deposit address
// holding the wrapped runes and pre-signs the fee-paying input of the exit
// transaction.
type ExitSparkRequest struct {
	SparkAddress string
	PayingInput  domain.PayingInput
	FeePayment   *domain.FeePayment
}

// ActivityItem is one bridge attempt in the user activity feed. Amounts are
// base units of the rune.
type ActivityItem struct {
	RuneId             string
	Amount             uint64
	BtcDepositAddress  string
	SparkBridgeAddress string
	Status             string
	FailureReason      string
	Confirmations      *uint64
	Txid               *string
	VOut               *uint32
	SettlementTxid     string
	WruneMetadata      *domain.WruneMetadata
}

// VerifierInfo identifies one verifier of the signing plane. The position in
// the configured verifier list is stable and maps to the DKG signer index
// (the gateway is index 1, verifiers follow in list order).
type VerifierInfo struct {
	Id        string
	PublicKey string
}

type GatewayConfig struct {
	BitcoinNetwork    string
	SparkNetwork      string
	IdentityKey       *btcec.PrivateKey
	Verifiers         []VerifierInfo
	SparkOperatorKeys []*btcec.PublicKey

	FinalityDepth      uint64
	DustAmount         uint64
	MaxSessionAttempts uint32
	PoolLowWater       int
	PoolHighWater      int

	RoundTimeout            time.Duration
	ConfirmationInterval    time.Duration
	ReconcileInterval       time.Duration
	PoolRefillInterval      time.Duration
	MetadataRefreshInterval time.Duration
	SessionTTL              time.Duration
}

type VerifierConfig struct {
	VerifierId       string
	BitcoinNetwork   string
	SparkNetwork     string
	IdentityKey      *btcec.PrivateKey
	GatewayPublicKey string
	SignerIndex      uint32
	TotalSigners     uint32

	FinalityDepth uint64

	WatchInterval time.Duration
	SessionTTL    time.Duration
}

// SharePoolInfo reports the state of the pregenerated share pool.
type SharePoolInfo struct {
	Unassigned int
	LowWater   int
	HighWater  int
}
