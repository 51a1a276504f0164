package ports

import (
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/runes"
)

// Prevout carries the script and value of an outpoint being spent, needed to
// compute taproot sighashes.
type Prevout struct {
	PkScript []byte
	Value    int64
}

// ExitTxInfo is the decoded view of an exit psbt a verifier inspects before
// signing: the spent outpoints, the address and value of every output and
// the runestone routing the runes.
type ExitTxInfo struct {
	Inputs []domain.Outpoint
	// one entry per output, empty string for non-address scripts
	OutputAddresses []string
	OutputValues    []int64
	Runestone       *runes.Runestone
}

type TxBuilder interface {
	// BuildExitTx assembles the unsigned exit transaction as a psbt with
	// every prevout embedded: the runestone at output 0 routing the exit
	// amount to output 1, a dust taproot output to the user's exit address
	// at index 1, and optional rune+sats change back to the bridge. The
	// paying input is appended last.
	BuildExitTx(
		payingInput domain.PayingInput, payingPrevout Prevout,
		utxos []domain.Utxo, runeId string, exitAmount uint64,
		changeAddress string,
	) (exitTx string, err error)
	// GetSighash returns the BIP-341 SIGHASH_DEFAULT sighash of the given
	// input. The paying input's NONE|ANYONECANPAY sighash is never exposed
	// here, it is only checked through VerifyPayingInputSignature.
	GetSighash(exitTx string, inputIndex int) ([32]byte, error)
	// VerifyPayingInputSignature checks the user's pre-attached signature
	// against the paying input sighash.
	VerifyPayingInputSignature(exitTx string, inputIndex int, signature string) error
	// FinalizeExitTx injects the collected signatures and extracts the
	// broadcastable transaction.
	FinalizeExitTx(
		exitTx string, signatures map[int]string, payingSignature string,
	) (txHex, txid string, err error)
	// DecodeExitTx exposes the inputs, outputs and runestone of an exit
	// psbt for independent inspection.
	DecodeExitTx(exitTx string) (*ExitTxInfo, error)
}
