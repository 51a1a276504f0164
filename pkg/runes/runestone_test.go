package runes_test

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/Sats-Terminal/spark-bridge-backend/pkg/runes"
)

// txWithRunestone wraps a runestone script into a transaction with extra
// plain outputs so edict output indices have something to land on.
func txWithRunestone(t *testing.T, stone *runes.Runestone, extraOutputs int) *wire.MsgTx {
	t.Helper()

	script, err := stone.Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(0, script))
	for i := 0; i < extraOutputs; i++ {
		tx.AddTxOut(wire.NewTxOut(546, []byte{txscript.OP_TRUE}))
	}
	return tx
}

func txWithPayload(payload []byte, extraOutputs int) *wire.MsgTx {
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddOp(txscript.OP_13).
		AddData(payload).
		Script()

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(0, script))
	for i := 0; i < extraOutputs; i++ {
		tx.AddTxOut(wire.NewTxOut(546, []byte{txscript.OP_TRUE}))
	}
	return tx
}

func TestRunestoneKnownEncoding(t *testing.T) {
	stone := &runes.Runestone{
		Edicts: []runes.Edict{{
			ID:     runes.RuneID{Block: 840000, Tx: 3},
			Amount: big.NewInt(1000),
			Output: 1,
		}},
	}

	script, err := stone.Script()
	require.NoError(t, err)
	require.Equal(t, []byte{
		txscript.OP_RETURN, txscript.OP_13, 0x08,
		0x00,             // body
		0xc0, 0xa2, 0x33, // block 840000
		0x03,       // tx 3
		0xe8, 0x07, // amount 1000
		0x01, // output 1
	}, script)
}

func TestRunestoneRoundTrip(t *testing.T) {
	pointer := uint32(2)
	bigAmount := new(big.Int).Lsh(big.NewInt(1), 100)

	stone := &runes.Runestone{
		// Unsorted on purpose; the encoder sorts by rune id.
		Edicts: []runes.Edict{
			{ID: runes.RuneID{Block: 845000, Tx: 1}, Amount: big.NewInt(5), Output: 2},
			{ID: runes.RuneID{Block: 840000, Tx: 45}, Amount: bigAmount, Output: 1},
			{ID: runes.RuneID{Block: 840000, Tx: 3}, Amount: big.NewInt(21_000), Output: 1},
		},
		Pointer: &pointer,
	}

	tx := txWithRunestone(t, stone, 3)
	decoded, err := runes.Decode(tx)
	require.NoError(t, err)

	require.NotNil(t, decoded.Pointer)
	require.Equal(t, pointer, *decoded.Pointer)
	require.Nil(t, decoded.Mint)

	require.Len(t, decoded.Edicts, 3)
	require.Equal(t, "840000:3", decoded.Edicts[0].ID.String())
	require.Equal(t, "840000:45", decoded.Edicts[1].ID.String())
	require.Equal(t, "845000:1", decoded.Edicts[2].ID.String())
	require.Zero(t, decoded.Edicts[0].Amount.Cmp(big.NewInt(21_000)))
	require.Zero(t, decoded.Edicts[1].Amount.Cmp(bigAmount))
	require.Zero(t, decoded.Edicts[2].Amount.Cmp(big.NewInt(5)))
	require.Equal(t, uint32(1), decoded.Edicts[0].Output)
	require.Equal(t, uint32(1), decoded.Edicts[1].Output)
	require.Equal(t, uint32(2), decoded.Edicts[2].Output)
}

func TestRunestoneMintRoundTrip(t *testing.T) {
	mint := runes.RuneID{Block: 840000, Tx: 3}
	stone := &runes.Runestone{Mint: &mint}

	tx := txWithRunestone(t, stone, 1)
	decoded, err := runes.Decode(tx)
	require.NoError(t, err)
	require.NotNil(t, decoded.Mint)
	require.Equal(t, mint, *decoded.Mint)
	require.Empty(t, decoded.Edicts)
}

func TestDecodeNoRunestone(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(546, []byte{txscript.OP_TRUE}))

	_, err := runes.Decode(tx)
	require.ErrorIs(t, err, runes.ErrNotRunestone)

	// Plain OP_RETURN without the runes marker is not a runestone either.
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).AddData([]byte("hello")).Script()
	require.NoError(t, err)
	tx.AddTxOut(wire.NewTxOut(0, script))
	_, err = runes.Decode(tx)
	require.ErrorIs(t, err, runes.ErrNotRunestone)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{name: "unterminated varint", payload: []byte{0x80}},
		{name: "tag without value", payload: []byte{22}},
		{name: "etching tag", payload: []byte{0x02, 0x01}},
		{name: "trailing body integers", payload: []byte{0x00, 0x01, 0x01, 0x05}},
		{name: "pointer past outputs", payload: []byte{22, 9}},
		{name: "overlong varint", payload: append(bytes.Repeat([]byte{0x80}, 19), 0x01)},
		{name: "amount overflow", payload: append([]byte{0x00, 0x01, 0x01}, append(bytes.Repeat([]byte{0x80}, 18), 0x04, 0x01)...)},
		{name: "edict output past outputs", payload: []byte{0x00, 0x01, 0x01, 0x05, 0x09}},
		{name: "rune id zero block", payload: []byte{0x00, 0x00, 0x01, 0x05, 0x01}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := txWithPayload(tc.payload, 2)
			_, err := runes.Decode(tx)
			require.ErrorIs(t, err, runes.ErrMalformedRunestone)
		})
	}
}

func TestDecodeRejectsOpcodeInPayload(t *testing.T) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddOp(txscript.OP_13).
		AddOp(txscript.OP_DUP).
		Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(0, script))

	_, err = runes.Decode(tx)
	require.ErrorIs(t, err, runes.ErrMalformedRunestone)
}

func TestDecodeIgnoresOddTags(t *testing.T) {
	// Tag 5 (symbol) is odd, unknown to the bridge and must not invalidate
	// the transfer that follows it.
	payload := []byte{0x05, 0x41, 0x00, 0x01, 0x01, 0x64, 0x01}
	tx := txWithPayload(payload, 2)

	decoded, err := runes.Decode(tx)
	require.NoError(t, err)
	require.Len(t, decoded.Edicts, 1)
	require.Equal(t, "1:1", decoded.Edicts[0].ID.String())
}

func TestEdictAmountRange(t *testing.T) {
	stone := &runes.Runestone{
		Edicts: []runes.Edict{{
			ID:     runes.RuneID{Block: 840000, Tx: 3},
			Amount: new(big.Int).Lsh(big.NewInt(1), 128),
			Output: 1,
		}},
	}
	_, err := stone.Script()
	require.Error(t, err)
}

func TestParseRuneID(t *testing.T) {
	id, err := runes.ParseRuneID("840000:3")
	require.NoError(t, err)
	require.Equal(t, uint64(840000), id.Block)
	require.Equal(t, uint32(3), id.Tx)
	require.Equal(t, "840000:3", id.String())

	for _, invalid := range []string{"", "840000", "840000:", ":3", "a:b", "840000:4294967296", "-1:0"} {
		_, err := runes.ParseRuneID(invalid)
		require.Error(t, err, invalid)
	}

	require.Negative(t, runes.RuneID{Block: 1, Tx: 9}.Cmp(runes.RuneID{Block: 2, Tx: 0}))
	require.Positive(t, runes.RuneID{Block: 2, Tx: 1}.Cmp(runes.RuneID{Block: 2, Tx: 0}))
	require.Zero(t, runes.RuneID{Block: 2, Tx: 1}.Cmp(runes.RuneID{Block: 2, Tx: 1}))
}
