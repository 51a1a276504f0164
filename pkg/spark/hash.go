package spark

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	errNoInput = errors.New("token transaction must carry exactly one input")

	// ErrPartialLeaf is returned when the final hash is requested for a leaf
	// the operators have not completed yet.
	ErrPartialLeaf = errors.New("leaf is missing operator-assigned fields")
)

// Hash computes the token transaction hash: an outer SHA256 over the SHA256
// of every field in a fixed order. The partial form skips the fields the
// spark operators assign after countersigning (leaf ids, revocation keys,
// bonds, locktimes, expiry) and is the message the issuer signs.
func (tx *TokenTransaction) Hash(partial bool) ([32]byte, error) {
	var zero [32]byte
	hasher := sha256.New()

	writeField := func(data []byte) {
		digest := sha256.Sum256(data)
		hasher.Write(digest[:])
	}

	if tx.Version != TransactionV1 {
		writeField(beUint32(uint32(tx.Version)))
	}

	switch {
	case tx.MintInput != nil && tx.TransferInput == nil:
		writeField([]byte{0, 0, 0, 2})
		writeField(tx.MintInput.IssuerPublicKey.SerializeCompressed())
		writeField(tx.MintInput.TokenIdentifier[:])

	case tx.TransferInput != nil && tx.MintInput == nil:
		writeField([]byte{0, 0, 0, 3})
		writeField(beUint32(uint32(len(tx.TransferInput.LeavesToSpend))))
		for _, leaf := range tx.TransferInput.LeavesToSpend {
			digest := leaf.hash()
			hasher.Write(digest[:])
		}

	default:
		return zero, errNoInput
	}

	writeField(beUint32(uint32(len(tx.LeavesToCreate))))
	for i, leaf := range tx.LeavesToCreate {
		digest, err := leaf.hash(partial)
		if err != nil {
			return zero, fmt.Errorf("leaf %d: %w", i, err)
		}
		hasher.Write(digest[:])
	}

	operatorKeys := make([][]byte, 0, len(tx.SparkOperatorKeys))
	for _, key := range tx.SparkOperatorKeys {
		operatorKeys = append(operatorKeys, key.SerializeCompressed())
	}
	sort.Slice(operatorKeys, func(i, j int) bool {
		return bytes.Compare(operatorKeys[i], operatorKeys[j]) < 0
	})
	writeField(beUint32(uint32(len(operatorKeys))))
	for _, key := range operatorKeys {
		writeField(key)
	}

	writeField(beUint32(uint32(tx.Network)))

	if tx.Version != TransactionV1 {
		writeField(beUint64(tx.ClientCreatedTimestamp))
		if !partial {
			writeField(beUint64(tx.ExpiryTime))
		}
	}

	var result [32]byte
	copy(result[:], hasher.Sum(nil))
	return result, nil
}

// SigningHash is the message threshold-signed by the issuer key: the partial
// transaction hash.
func (tx *TokenTransaction) SigningHash() ([32]byte, error) {
	return tx.Hash(true)
}

func (leaf *TokenLeafToSpend) hash() [32]byte {
	hasher := sha256.New()
	hasher.Write(leaf.ParentLeafHash[:])
	hasher.Write(beUint32(leaf.ParentLeafIndex))

	var result [32]byte
	copy(result[:], hasher.Sum(nil))
	return result
}

func (leaf *TokenLeafOutput) hash(partial bool) ([32]byte, error) {
	var zero [32]byte

	if leaf.TokenAmount == nil || leaf.TokenAmount.Sign() < 0 || leaf.TokenAmount.BitLen() > 128 {
		return zero, fmt.Errorf("token amount out of u128 range")
	}

	hasher := sha256.New()
	if !partial && leaf.ID != "" {
		hasher.Write([]byte(leaf.ID))
	}
	hasher.Write(leaf.OwnerPublicKey.SerializeCompressed())
	if !partial {
		if leaf.RevocationPublicKey == nil {
			return zero, fmt.Errorf("%w: revocation key", ErrPartialLeaf)
		}
		hasher.Write(leaf.RevocationPublicKey.SerializeCompressed())
		if leaf.WithdrawalBondSats == nil {
			return zero, fmt.Errorf("%w: withdrawal bond", ErrPartialLeaf)
		}
		hasher.Write(beUint64(*leaf.WithdrawalBondSats))
		if leaf.WithdrawalLocktime == nil {
			return zero, fmt.Errorf("%w: withdrawal locktime", ErrPartialLeaf)
		}
		hasher.Write(beUint64(*leaf.WithdrawalLocktime))
	}
	hasher.Write(make([]byte, 33))
	hasher.Write(leaf.TokenIdentifier[:])

	amount := make([]byte, 16)
	leaf.TokenAmount.FillBytes(amount)
	hasher.Write(amount)

	var result [32]byte
	copy(result[:], hasher.Sum(nil))
	return result, nil
}

func beUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func beUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
