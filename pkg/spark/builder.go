package spark

import (
	"crypto/sha256"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// WruneTokenIdentifier derives the asset id of the wrapped form of a rune.
// It binds the rune and the issuing group key, so the same rune bridged by a
// different operator set is a different asset.
func WruneTokenIdentifier(runeID string, issuerKey *btcec.PublicKey) TokenIdentifier {
	hasher := sha256.New()
	hasher.Write([]byte("wrune"))
	hasher.Write([]byte(runeID))
	hasher.Write(issuerKey.SerializeCompressed())

	var id TokenIdentifier
	copy(id[:], hasher.Sum(nil))
	return id
}

// NewMintTransaction builds the partial mint the issuer key threshold-signs:
// one leaf owned by the issuer with the receiver identity key as revocation
// commitment. Leaf ids, bonds and locktimes are assigned by the operators
// after countersigning and are not covered by the signing hash.
func NewMintTransaction(
	issuerKey, receiverKey *btcec.PublicKey,
	identifier TokenIdentifier,
	amount *big.Int,
	operatorKeys []*btcec.PublicKey,
	network Network,
	createdAt time.Time,
) *TokenTransaction {
	return &TokenTransaction{
		Version: TransactionV2,
		MintInput: &MintInput{
			IssuerPublicKey: issuerKey,
			TokenIdentifier: identifier,
		},
		LeavesToCreate: []*TokenLeafOutput{{
			OwnerPublicKey:      issuerKey,
			RevocationPublicKey: receiverKey,
			TokenIdentifier:     identifier,
			TokenAmount:         new(big.Int).Set(amount),
		}},
		SparkOperatorKeys:      operatorKeys,
		Network:                network,
		ClientCreatedTimestamp: uint64(createdAt.UnixMilli()),
	}
}

// NewTransferTransaction builds the partial transfer spending the given
// leaves into the given outputs. The bridge uses it to move wrapped runes
// back to the issuer before releasing them on Bitcoin.
func NewTransferTransaction(
	leavesToSpend []*TokenLeafToSpend,
	outputs []*TokenLeafOutput,
	operatorKeys []*btcec.PublicKey,
	network Network,
	createdAt time.Time,
) *TokenTransaction {
	return &TokenTransaction{
		Version:                TransactionV2,
		TransferInput:          &TransferInput{LeavesToSpend: leavesToSpend},
		LeavesToCreate:         outputs,
		SparkOperatorKeys:      operatorKeys,
		Network:                network,
		ClientCreatedTimestamp: uint64(createdAt.UnixMilli()),
	}
}
