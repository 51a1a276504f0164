package spark

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Token transactions marshal to JSON with compressed keys and 32-byte hashes
// as hex strings and token amounts as decimal strings, so partial
// transactions can travel inside signing-plane envelopes unchanged.

func encodeKey(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

func decodeKey(encoded string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}

func encodeKeys(pubs []*btcec.PublicKey) []string {
	out := make([]string, 0, len(pubs))
	for _, pub := range pubs {
		out = append(out, encodeKey(pub))
	}
	return out
}

func decodeKeys(encoded []string) ([]*btcec.PublicKey, error) {
	out := make([]*btcec.PublicKey, 0, len(encoded))
	for _, e := range encoded {
		key, err := decodeKey(e)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

type mintInputJSON struct {
	IssuerPublicKey string `json:"issuer_public_key"`
	TokenIdentifier string `json:"token_identifier"`
}

type leafToSpendJSON struct {
	ParentLeafHash  string `json:"parent_leaf_hash"`
	ParentLeafIndex uint32 `json:"parent_leaf_index"`
}

type leafOutputJSON struct {
	ID                  string  `json:"id,omitempty"`
	OwnerPublicKey      string  `json:"owner_public_key"`
	RevocationPublicKey string  `json:"revocation_public_key,omitempty"`
	WithdrawalBondSats  *uint64 `json:"withdrawal_bond_sats,omitempty"`
	WithdrawalLocktime  *uint64 `json:"withdrawal_locktime,omitempty"`
	TokenIdentifier     string  `json:"token_identifier"`
	TokenAmount         string  `json:"token_amount"`
}

type tokenTransactionJSON struct {
	Version                uint32            `json:"version"`
	MintInput              *mintInputJSON    `json:"mint_input,omitempty"`
	LeavesToSpend          []leafToSpendJSON `json:"leaves_to_spend,omitempty"`
	LeavesToCreate         []leafOutputJSON  `json:"leaves_to_create"`
	SparkOperatorKeys      []string          `json:"spark_operator_keys"`
	ExpiryTime             uint64            `json:"expiry_time,omitempty"`
	Network                string            `json:"network"`
	ClientCreatedTimestamp uint64            `json:"client_created_timestamp"`
}

func (tx TokenTransaction) MarshalJSON() ([]byte, error) {
	decoded := tokenTransactionJSON{
		Version:                uint32(tx.Version),
		SparkOperatorKeys:      encodeKeys(tx.SparkOperatorKeys),
		ExpiryTime:             tx.ExpiryTime,
		Network:                tx.Network.String(),
		ClientCreatedTimestamp: tx.ClientCreatedTimestamp,
	}
	if tx.MintInput != nil {
		decoded.MintInput = &mintInputJSON{
			IssuerPublicKey: encodeKey(tx.MintInput.IssuerPublicKey),
			TokenIdentifier: tx.MintInput.TokenIdentifier.String(),
		}
	}
	if tx.TransferInput != nil {
		decoded.LeavesToSpend = make([]leafToSpendJSON, 0, len(tx.TransferInput.LeavesToSpend))
		for _, leaf := range tx.TransferInput.LeavesToSpend {
			decoded.LeavesToSpend = append(decoded.LeavesToSpend, leafToSpendJSON{
				ParentLeafHash:  hex.EncodeToString(leaf.ParentLeafHash[:]),
				ParentLeafIndex: leaf.ParentLeafIndex,
			})
		}
	}
	decoded.LeavesToCreate = make([]leafOutputJSON, 0, len(tx.LeavesToCreate))
	for _, leaf := range tx.LeavesToCreate {
		out := leafOutputJSON{
			ID:                 leaf.ID,
			OwnerPublicKey:     encodeKey(leaf.OwnerPublicKey),
			WithdrawalBondSats: leaf.WithdrawalBondSats,
			WithdrawalLocktime: leaf.WithdrawalLocktime,
			TokenIdentifier:    leaf.TokenIdentifier.String(),
			TokenAmount:        leaf.TokenAmount.String(),
		}
		if leaf.RevocationPublicKey != nil {
			out.RevocationPublicKey = encodeKey(leaf.RevocationPublicKey)
		}
		decoded.LeavesToCreate = append(decoded.LeavesToCreate, out)
	}
	return json.Marshal(decoded)
}

func (tx *TokenTransaction) UnmarshalJSON(data []byte) error {
	var decoded tokenTransactionJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	out := TokenTransaction{
		Version:                TransactionVersion(decoded.Version),
		ExpiryTime:             decoded.ExpiryTime,
		ClientCreatedTimestamp: decoded.ClientCreatedTimestamp,
	}
	network, err := ParseNetwork(decoded.Network)
	if err != nil {
		return err
	}
	out.Network = network
	out.SparkOperatorKeys, err = decodeKeys(decoded.SparkOperatorKeys)
	if err != nil {
		return err
	}

	if decoded.MintInput != nil {
		issuer, err := decodeKey(decoded.MintInput.IssuerPublicKey)
		if err != nil {
			return err
		}
		identifier, err := ParseTokenIdentifier(decoded.MintInput.TokenIdentifier)
		if err != nil {
			return err
		}
		out.MintInput = &MintInput{IssuerPublicKey: issuer, TokenIdentifier: identifier}
	}
	if len(decoded.LeavesToSpend) > 0 {
		leaves := make([]*TokenLeafToSpend, 0, len(decoded.LeavesToSpend))
		for _, leaf := range decoded.LeavesToSpend {
			raw, err := hex.DecodeString(leaf.ParentLeafHash)
			if err != nil {
				return err
			}
			if len(raw) != 32 {
				return fmt.Errorf("expected parent leaf hash to be 32 bytes, got %d", len(raw))
			}
			spend := &TokenLeafToSpend{ParentLeafIndex: leaf.ParentLeafIndex}
			copy(spend.ParentLeafHash[:], raw)
			leaves = append(leaves, spend)
		}
		out.TransferInput = &TransferInput{LeavesToSpend: leaves}
	}

	out.LeavesToCreate = make([]*TokenLeafOutput, 0, len(decoded.LeavesToCreate))
	for _, leaf := range decoded.LeavesToCreate {
		owner, err := decodeKey(leaf.OwnerPublicKey)
		if err != nil {
			return err
		}
		identifier, err := ParseTokenIdentifier(leaf.TokenIdentifier)
		if err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(leaf.TokenAmount, 10)
		if !ok {
			return fmt.Errorf("invalid token amount %q", leaf.TokenAmount)
		}
		output := &TokenLeafOutput{
			ID:                 leaf.ID,
			OwnerPublicKey:     owner,
			WithdrawalBondSats: leaf.WithdrawalBondSats,
			WithdrawalLocktime: leaf.WithdrawalLocktime,
			TokenIdentifier:    identifier,
			TokenAmount:        amount,
		}
		if leaf.RevocationPublicKey != "" {
			revocation, err := decodeKey(leaf.RevocationPublicKey)
			if err != nil {
				return err
			}
			output.RevocationPublicKey = revocation
		}
		out.LeavesToCreate = append(out.LeavesToCreate, output)
	}

	*tx = out
	return nil
}
