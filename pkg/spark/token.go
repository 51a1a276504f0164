// Package spark models LRC20 token transactions the way the Spark operators
// hash and countersign them: mint and transfer inputs, leaf outputs and the
// nested-SHA256 transaction hash that doubles as the signing message.
package spark

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Network is the spark network identifier carried in token transactions.
type Network uint32

const (
	NetworkMainnet Network = iota
	NetworkTestnet
	NetworkSignet
	NetworkRegtest
	NetworkLocal
)

func ParseNetwork(raw string) (Network, error) {
	switch raw {
	case "mainnet":
		return NetworkMainnet, nil
	case "testnet":
		return NetworkTestnet, nil
	case "signet":
		return NetworkSignet, nil
	case "regtest":
		return NetworkRegtest, nil
	case "local":
		return NetworkLocal, nil
	default:
		return 0, fmt.Errorf("unknown spark network %q", raw)
	}
}

func (n Network) String() string {
	switch n {
	case NetworkMainnet:
		return "mainnet"
	case NetworkTestnet:
		return "testnet"
	case NetworkSignet:
		return "signet"
	case NetworkRegtest:
		return "regtest"
	case NetworkLocal:
		return "local"
	default:
		return fmt.Sprintf("network(%d)", uint32(n))
	}
}

// TokenIdentifier is the 32-byte asset id of an LRC20 token.
type TokenIdentifier [32]byte

func ParseTokenIdentifier(raw string) (TokenIdentifier, error) {
	var id TokenIdentifier
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return id, fmt.Errorf("invalid token identifier %q: %s", raw, err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("invalid token identifier %q: expected 32 bytes, got %d", raw, len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

func (id TokenIdentifier) String() string {
	return hex.EncodeToString(id[:])
}

func (id TokenIdentifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *TokenIdentifier) UnmarshalText(text []byte) error {
	parsed, err := ParseTokenIdentifier(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// TransactionVersion selects the hashing scheme. The bridge always writes V2;
// V1 is kept because its hash skips the version, timestamp and expiry fields.
type TransactionVersion uint32

const (
	TransactionV1 TransactionVersion = iota
	TransactionV2
)

// MintInput issues new leaves against the issuer key.
type MintInput struct {
	IssuerPublicKey *btcec.PublicKey
	TokenIdentifier TokenIdentifier
}

// TransferInput spends existing leaves.
type TransferInput struct {
	LeavesToSpend []*TokenLeafToSpend
}

// TokenLeafToSpend references a leaf created by a previous token transaction.
type TokenLeafToSpend struct {
	ParentLeafHash  [32]byte
	ParentLeafIndex uint32
}

// TokenLeafOutput is a leaf created by a token transaction. ID, revocation
// key, bond and locktime are assigned by the spark operators and stay unset
// in partial transactions; the partial hash does not cover them.
type TokenLeafOutput struct {
	ID                  string
	OwnerPublicKey      *btcec.PublicKey
	RevocationPublicKey *btcec.PublicKey
	WithdrawalBondSats  *uint64
	WithdrawalLocktime  *uint64
	TokenIdentifier     TokenIdentifier
	TokenAmount         *big.Int
}

// TokenTransaction is an LRC20 token transaction. Exactly one of MintInput
// and TransferInput must be set.
type TokenTransaction struct {
	Version        TransactionVersion
	MintInput      *MintInput
	TransferInput  *TransferInput
	LeavesToCreate []*TokenLeafOutput

	SparkOperatorKeys      []*btcec.PublicKey
	ExpiryTime             uint64
	Network                Network
	ClientCreatedTimestamp uint64
}
