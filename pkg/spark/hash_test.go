package spark_test

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/Sats-Terminal/spark-bridge-backend/pkg/spark"
)

const (
	issuerKeyHex     = "02f29bd05a48d378f445631c6595de7b32fc3f633689e207e0a37a5df82a9fad2d"
	ownerKeyHex      = "02199bd05a48d378f445631c6595de7b32fc3f633689e207e0a37a5df82a9fad2e"
	revocationKeyHex = "02649bd05a48d378f445631c6595de7b32fc3f633689e207e0a37a5df82a9fad2e"
	operatorKeyHex   = "02c89bd05a48d378f445631c6595de7b32fc3f633689e207e0a37a5df82a9fad2e"

	tokenIdentifierHex = "0707070707070707070707070707070707070707070707070707070707070707"
)

func parseKey(t *testing.T, encoded string) *btcec.PublicKey {
	t.Helper()
	raw, err := hex.DecodeString(encoded)
	require.NoError(t, err)
	key, err := btcec.ParsePubKey(raw)
	require.NoError(t, err)
	return key
}

// completeLeaf is a leaf with every operator-assigned field filled in, so
// both the partial and the final hash are defined.
func completeLeaf(t *testing.T) *spark.TokenLeafOutput {
	t.Helper()
	bond := uint64(10_000)
	locktime := uint64(100)

	identifier, err := spark.ParseTokenIdentifier(tokenIdentifierHex)
	require.NoError(t, err)

	return &spark.TokenLeafOutput{
		ID:                  "db1a4e48-0fc5-4f6c-8a80-d9d6c561a436",
		OwnerPublicKey:      parseKey(t, ownerKeyHex),
		RevocationPublicKey: parseKey(t, revocationKeyHex),
		WithdrawalBondSats:  &bond,
		WithdrawalLocktime:  &locktime,
		TokenIdentifier:     identifier,
		TokenAmount:         big.NewInt(1000),
	}
}

func TestMintTransactionHash(t *testing.T) {
	identifier, err := spark.ParseTokenIdentifier(tokenIdentifierHex)
	require.NoError(t, err)

	tx := &spark.TokenTransaction{
		Version: spark.TransactionV2,
		MintInput: &spark.MintInput{
			IssuerPublicKey: parseKey(t, issuerKeyHex),
			TokenIdentifier: identifier,
		},
		LeavesToCreate:         []*spark.TokenLeafOutput{completeLeaf(t)},
		SparkOperatorKeys:      []*btcec.PublicKey{parseKey(t, operatorKeyHex)},
		ExpiryTime:             0,
		Network:                spark.NetworkSignet,
		ClientCreatedTimestamp: 100,
	}

	partial, err := tx.Hash(true)
	require.NoError(t, err)
	require.Equal(t,
		"3cd1fde3662d05478d9975f364239678842ff7e48f1accd2848794e6719d87bd",
		hex.EncodeToString(partial[:]),
	)

	final, err := tx.Hash(false)
	require.NoError(t, err)
	require.Equal(t,
		"2d27c5dd8b936fcb3bb03e97be4910d8cfb74378505ca2b78e77c711b44a0d2b",
		hex.EncodeToString(final[:]),
	)
}

func TestTransferTransactionHash(t *testing.T) {
	tx := &spark.TokenTransaction{
		Version: spark.TransactionV2,
		TransferInput: &spark.TransferInput{
			LeavesToSpend: []*spark.TokenLeafToSpend{{
				ParentLeafHash:  sha256.Sum256([]byte("previous transaction")),
				ParentLeafIndex: 0,
			}},
		},
		LeavesToCreate:         []*spark.TokenLeafOutput{completeLeaf(t)},
		SparkOperatorKeys:      []*btcec.PublicKey{parseKey(t, operatorKeyHex)},
		ExpiryTime:             0,
		Network:                spark.NetworkSignet,
		ClientCreatedTimestamp: 100,
	}

	partial, err := tx.Hash(true)
	require.NoError(t, err)
	require.Equal(t,
		"e88d13c23700d24626ed6214f3045185de8a98cf512c0dbc6a279fc0bb7b562a",
		hex.EncodeToString(partial[:]),
	)

	final, err := tx.Hash(false)
	require.NoError(t, err)
	require.Equal(t,
		"8ff2a8fae05df8dce1170f25b18a436486658b4df04c2ca335b1fa31538681ad",
		hex.EncodeToString(final[:]),
	)
}

func TestPartialHashSkipsOperatorFields(t *testing.T) {
	identifier, err := spark.ParseTokenIdentifier(tokenIdentifierHex)
	require.NoError(t, err)

	// The leaf as the issuer builds it, before the operators assign id,
	// bond and locktime.
	bare := &spark.TokenLeafOutput{
		OwnerPublicKey:  parseKey(t, ownerKeyHex),
		TokenIdentifier: identifier,
		TokenAmount:     big.NewInt(1000),
	}

	complete := completeLeaf(t)

	build := func(leaf *spark.TokenLeafOutput) *spark.TokenTransaction {
		return &spark.TokenTransaction{
			Version: spark.TransactionV2,
			MintInput: &spark.MintInput{
				IssuerPublicKey: parseKey(t, issuerKeyHex),
				TokenIdentifier: identifier,
			},
			LeavesToCreate:         []*spark.TokenLeafOutput{leaf},
			SparkOperatorKeys:      []*btcec.PublicKey{parseKey(t, operatorKeyHex)},
			Network:                spark.NetworkSignet,
			ClientCreatedTimestamp: 100,
		}
	}

	barePartial, err := build(bare).Hash(true)
	require.NoError(t, err)
	completePartial, err := build(complete).Hash(true)
	require.NoError(t, err)
	require.Equal(t, completePartial, barePartial)

	// The final hash is only defined once the operators completed the leaf.
	_, err = build(bare).Hash(false)
	require.ErrorIs(t, err, spark.ErrPartialLeaf)
}

func TestHashRequiresExactlyOneInput(t *testing.T) {
	identifier, err := spark.ParseTokenIdentifier(tokenIdentifierHex)
	require.NoError(t, err)

	tx := &spark.TokenTransaction{
		Version:                spark.TransactionV2,
		Network:                spark.NetworkSignet,
		ClientCreatedTimestamp: 100,
	}
	_, err = tx.Hash(true)
	require.Error(t, err)

	tx.MintInput = &spark.MintInput{
		IssuerPublicKey: parseKey(t, issuerKeyHex),
		TokenIdentifier: identifier,
	}
	tx.TransferInput = &spark.TransferInput{}
	_, err = tx.Hash(true)
	require.Error(t, err)
}

func TestMintBuilder(t *testing.T) {
	issuer := parseKey(t, issuerKeyHex)
	receiver := parseKey(t, ownerKeyHex)
	operator := parseKey(t, operatorKeyHex)
	identifier := spark.WruneTokenIdentifier("840000:3", issuer)
	createdAt := time.UnixMilli(1_700_000_000_000)

	tx := spark.NewMintTransaction(
		issuer, receiver, identifier, big.NewInt(21_000),
		[]*btcec.PublicKey{operator}, spark.NetworkRegtest, createdAt,
	)

	require.Equal(t, spark.TransactionV2, tx.Version)
	require.NotNil(t, tx.MintInput)
	require.Equal(t, identifier, tx.MintInput.TokenIdentifier)
	require.Len(t, tx.LeavesToCreate, 1)

	// Minted leaves are owned by the issuer; the receiver key is the
	// revocation commitment.
	leaf := tx.LeavesToCreate[0]
	require.Equal(t, issuer.SerializeCompressed(), leaf.OwnerPublicKey.SerializeCompressed())
	require.Equal(t, receiver.SerializeCompressed(), leaf.RevocationPublicKey.SerializeCompressed())
	require.Empty(t, leaf.ID)
	require.Nil(t, leaf.WithdrawalBondSats)

	require.Equal(t, uint64(1_700_000_000_000), tx.ClientCreatedTimestamp)

	signing, err := tx.SigningHash()
	require.NoError(t, err)
	partial, err := tx.Hash(true)
	require.NoError(t, err)
	require.Equal(t, partial, signing)
}

func TestWruneTokenIdentifier(t *testing.T) {
	issuer := parseKey(t, issuerKeyHex)
	other := parseKey(t, ownerKeyHex)

	id := spark.WruneTokenIdentifier("840000:3", issuer)
	require.Equal(t, id, spark.WruneTokenIdentifier("840000:3", issuer))
	require.NotEqual(t, id, spark.WruneTokenIdentifier("840000:4", issuer))
	require.NotEqual(t, id, spark.WruneTokenIdentifier("840000:3", other))

	parsed, err := spark.ParseTokenIdentifier(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseNetwork(t *testing.T) {
	for raw, expected := range map[string]spark.Network{
		"mainnet": spark.NetworkMainnet,
		"testnet": spark.NetworkTestnet,
		"signet":  spark.NetworkSignet,
		"regtest": spark.NetworkRegtest,
		"local":   spark.NetworkLocal,
	} {
		network, err := spark.ParseNetwork(raw)
		require.NoError(t, err)
		require.Equal(t, expected, network)
		require.Equal(t, raw, network.String())
	}

	_, err := spark.ParseNetwork("lightning")
	require.Error(t, err)
}
