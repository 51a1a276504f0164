package ports

import (
	"context"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

// Refusal codes a verifier can answer a signing round with. A refusal is a
// protocol-level verdict, not a transport failure: the verifier ran its
// checks and declined to sign.
const (
	RefusalAddressMismatch           = "address_mismatch"
	RefusalOutpointNotFound          = "outpoint_not_found"
	RefusalInsufficientConfirmations = "insufficient_confirmations"
	RefusalAmountMismatch            = "amount_mismatch"
	RefusalUnknownRune               = "unknown_rune"
	RefusalHashMismatch              = "hash_mismatch"
	RefusalUnknownIntent             = "unknown_intent"
	RefusalShareBusy                 = "share_busy"
)

type SignerRefusal struct {
	VerifierId string
	Code       string
	Detail     string
}

func (r *SignerRefusal) Error() string {
	return fmt.Sprintf("verifier %s refused: %s (%s)", r.VerifierId, r.Code, r.Detail)
}

// SigningIntent is everything a verifier must persist when the gateway asks
// it to watch a deposit, so it can later revalidate a signing request on its
// own: it recomputes the tweak and the deposit address from these fields and
// refuses the watch if they disagree.
type SigningIntent struct {
	DepositId       string
	UserPublicKey   string
	RuneId          string
	Amount          uint64
	Chain           domain.Chain
	ReceiverAddress string
	DepositAddress  string
	ShareId         string
	GroupPublicKey  string
	// group key of the rune's issuer share, identifies the wrapped token
	IssuerPublicKey string
	// outpoint the user claims funded the deposit address, rune deposits only
	Outpoint *domain.Outpoint
	// destination of the exit transaction, spark deposits only
	ExitAddress string
}

type Round1Request struct {
	SessionId   string
	DepositId   string
	RequestId   string
	ShareId     string
	Kind        domain.MessageKind
	MessageHash string
	// mint and burn sessions ship the encoded token transaction so the
	// verifier can recompute its hash from the stored intent
	TokenTransaction []byte
	// exit sessions ship the assembled psbt and the input this session signs
	ExitTx     string
	InputIndex uint32
}

type Round2Request struct {
	SessionId      string
	SigningPackage []byte
}

type DkgRound1Request struct {
	CeremonyId string
	Index      uint32
	Threshold  uint32
	Total      uint32
	// static identity keys of every participant in index order; round-2
	// secret shares travel sealed under these, so the relay never sees them
	ParticipantKeys []string
}

type DkgRound2Request struct {
	CeremonyId string
	// encoded round-1 packages of every participant, keyed by index
	Packages []byte
}

type DkgFinalizeRequest struct {
	CeremonyId string
	// secret shares addressed to this participant, each sealed under its
	// static key
	Shares []byte
}

// SignerTransport is the client side of the framed-TLS signing protocol
// towards a single verifier.
type SignerTransport interface {
	RegisterIntent(ctx context.Context, verifierId string, intent SigningIntent) error
	RevokeIntent(ctx context.Context, verifierId, depositId string) error
	SendRound1(ctx context.Context, verifierId string, req Round1Request) ([]byte, error)
	SendRound2(ctx context.Context, verifierId string, req Round2Request) ([]byte, error)
	DkgRound1(ctx context.Context, verifierId string, req DkgRound1Request) ([]byte, error)
	DkgRound2(ctx context.Context, verifierId string, req DkgRound2Request) ([]byte, error)
	DkgFinalize(ctx context.Context, verifierId string, req DkgFinalizeRequest) ([]byte, error)
	Close()
}
