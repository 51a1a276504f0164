package txbuilder_test

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/txbuilder"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/runes"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const (
	testDust    = uint64(546)
	testFeeRate = uint64(1)
	testRuneId  = "840000:3"
)

type taprootWallet struct {
	key     *btcec.PrivateKey
	address string
	script  []byte
}

func newTaprootWallet(t *testing.T) *taprootWallet {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	outputKey := txscript.ComputeTaprootKeyNoScript(key.PubKey())
	script, err := txscript.PayToTaprootScript(outputKey)
	require.NoError(t, err)
	address, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(outputKey), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return &taprootWallet{key: key, address: address.EncodeAddress(), script: script}
}

func (w *taprootWallet) signDefault(t *testing.T, sighash [32]byte) string {
	t.Helper()

	sig, err := schnorr.Sign(txscript.TweakTaprootPrivKey(*w.key, nil), sighash[:])
	require.NoError(t, err)
	return hex.EncodeToString(sig.Serialize())
}

func testTxid(filler byte) string {
	return hex.EncodeToString(bytes.Repeat([]byte{filler}, 32))
}

type exitFixture struct {
	builder       ports.TxBuilder
	bridge        []*taprootWallet
	user          *taprootWallet
	payer         *taprootWallet
	utxos         []domain.Utxo
	payingInput   domain.PayingInput
	payingPrevout ports.Prevout
}

// newExitFixture models the standard exit: two bridge utxos worth 1000 base
// units of the rune, a user paying input worth 20000 sats and an exit address
// owned by the user.
func newExitFixture(t *testing.T) *exitFixture {
	t.Helper()

	bridgeA := newTaprootWallet(t)
	bridgeB := newTaprootWallet(t)
	utxos := []domain.Utxo{
		{
			Outpoint:   domain.Outpoint{Txid: testTxid(0x11), VOut: 1},
			Address:    bridgeA.address,
			RuneId:     testRuneId,
			RuneAmount: 600,
			Sats:       testDust,
		},
		{
			Outpoint:   domain.Outpoint{Txid: testTxid(0x22), VOut: 0},
			Address:    bridgeB.address,
			RuneId:     testRuneId,
			RuneAmount: 400,
			Sats:       testDust,
		},
	}

	user := newTaprootWallet(t)
	payer := newTaprootWallet(t)
	payingInput := domain.PayingInput{
		Outpoint:    domain.Outpoint{Txid: testTxid(0x33), VOut: 2},
		SatsAmount:  20000,
		ExitAddress: user.address,
	}
	payingPrevout := ports.Prevout{PkScript: payer.script, Value: 20000}

	return &exitFixture{
		builder:       txbuilder.NewTxBuilder(&chaincfg.RegressionNetParams, testDust, testFeeRate),
		bridge:        []*taprootWallet{bridgeA, bridgeB},
		user:          user,
		payer:         payer,
		utxos:         utxos,
		payingInput:   payingInput,
		payingPrevout: payingPrevout,
	}
}

func (f *exitFixture) buildExitTx(t *testing.T, exitAmount uint64) string {
	t.Helper()

	exitTx, err := f.builder.BuildExitTx(
		f.payingInput, f.payingPrevout, f.utxos, testRuneId, exitAmount, f.utxos[0].Address,
	)
	require.NoError(t, err)
	require.NotEmpty(t, exitTx)
	return exitTx
}

// signPayingInput recomputes the none|anyonecanpay sighash independently of
// the builder and signs it the way a user wallet would.
func (f *exitFixture) signPayingInput(t *testing.T, exitTx string) string {
	t.Helper()

	ptx, err := psbt.NewFromRawBytes(strings.NewReader(exitTx), true)
	require.NoError(t, err)
	fetcher := prevoutFetcher(t, ptx)

	payingIndex := len(ptx.UnsignedTx.TxIn) - 1
	hashType := txscript.SigHashNone | txscript.SigHashAnyOneCanPay
	sighash, err := txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(ptx.UnsignedTx, fetcher),
		hashType, ptx.UnsignedTx, payingIndex, fetcher,
	)
	require.NoError(t, err)

	sig, err := schnorr.Sign(txscript.TweakTaprootPrivKey(*f.payer.key, nil), sighash)
	require.NoError(t, err)
	return hex.EncodeToString(append(sig.Serialize(), byte(hashType)))
}

func (f *exitFixture) signBridgeInputs(t *testing.T, exitTx string) map[int]string {
	t.Helper()

	signatures := make(map[int]string)
	for i, wallet := range f.bridge {
		sighash, err := f.builder.GetSighash(exitTx, i)
		require.NoError(t, err)
		signatures[i] = wallet.signDefault(t, sighash)
	}
	return signatures
}

func prevoutFetcher(t *testing.T, ptx *psbt.Packet) *txscript.MultiPrevOutFetcher {
	t.Helper()

	prevouts := make(map[wire.OutPoint]*wire.TxOut)
	for i, input := range ptx.Inputs {
		require.NotNil(t, input.WitnessUtxo)
		prevouts[ptx.UnsignedTx.TxIn[i].PreviousOutPoint] = input.WitnessUtxo
	}
	return txscript.NewMultiPrevOutFetcher(prevouts)
}

func TestBuildExitTx(t *testing.T) {
	t.Run("with rune change", func(t *testing.T) {
		f := newExitFixture(t)
		exitTx := f.buildExitTx(t, 700)

		info, err := f.builder.DecodeExitTx(exitTx)
		require.NoError(t, err)

		require.Len(t, info.Inputs, 3)
		require.Equal(t, f.utxos[0].Outpoint, info.Inputs[0])
		require.Equal(t, f.utxos[1].Outpoint, info.Inputs[1])
		require.Equal(t, f.payingInput.Outpoint, info.Inputs[2])

		require.Equal(t, []int64{0, int64(testDust), int64(testDust * 2)}, info.OutputValues)
		require.Equal(
			t,
			[]string{"", f.user.address, f.utxos[0].Address},
			info.OutputAddresses,
		)

		runeId, err := runes.ParseRuneID(testRuneId)
		require.NoError(t, err)
		require.NotNil(t, info.Runestone)
		require.Len(t, info.Runestone.Edicts, 2)
		require.Equal(t, runeId, info.Runestone.Edicts[0].ID)
		require.Equal(t, uint64(700), info.Runestone.Edicts[0].Amount.Uint64())
		require.Equal(t, uint32(1), info.Runestone.Edicts[0].Output)
		require.Equal(t, uint64(300), info.Runestone.Edicts[1].Amount.Uint64())
		require.Equal(t, uint32(2), info.Runestone.Edicts[1].Output)
	})

	t.Run("exact amount leaves no change output", func(t *testing.T) {
		f := newExitFixture(t)
		exitTx := f.buildExitTx(t, 1000)

		info, err := f.builder.DecodeExitTx(exitTx)
		require.NoError(t, err)
		require.Len(t, info.OutputValues, 2)
		require.Len(t, info.Runestone.Edicts, 1)
		require.Equal(t, uint64(1000), info.Runestone.Edicts[0].Amount.Uint64())
	})

	t.Run("rejects rune shortfall", func(t *testing.T) {
		f := newExitFixture(t)
		_, err := f.builder.BuildExitTx(
			f.payingInput, f.payingPrevout, f.utxos, testRuneId, 2000, f.utxos[0].Address,
		)
		require.ErrorContains(t, err, "base units")
	})

	t.Run("rejects paying prevout value mismatch", func(t *testing.T) {
		f := newExitFixture(t)
		f.payingPrevout.Value = 15000
		_, err := f.builder.BuildExitTx(
			f.payingInput, f.payingPrevout, f.utxos, testRuneId, 700, f.utxos[0].Address,
		)
		require.ErrorContains(t, err, "carries 15000 sats")
	})

	t.Run("rejects non taproot paying prevout", func(t *testing.T) {
		f := newExitFixture(t)
		f.payingPrevout.PkScript = []byte{txscript.OP_TRUE}
		_, err := f.builder.BuildExitTx(
			f.payingInput, f.payingPrevout, f.utxos, testRuneId, 700, f.utxos[0].Address,
		)
		require.ErrorContains(t, err, "not a taproot output")
	})

	t.Run("rejects fee below the floor", func(t *testing.T) {
		f := newExitFixture(t)
		f.payingInput.SatsAmount = 600
		f.payingPrevout.Value = 600
		builder := txbuilder.NewTxBuilder(&chaincfg.RegressionNetParams, testDust, 1000)
		_, err := builder.BuildExitTx(
			f.payingInput, f.payingPrevout, f.utxos, testRuneId, 700, f.utxos[0].Address,
		)
		require.ErrorContains(t, err, "floor")
	})

	t.Run("rejects invalid rune id", func(t *testing.T) {
		f := newExitFixture(t)
		_, err := f.builder.BuildExitTx(
			f.payingInput, f.payingPrevout, f.utxos, "notarune", 700, f.utxos[0].Address,
		)
		require.ErrorContains(t, err, "invalid rune id")
	})

	t.Run("rejects empty input set", func(t *testing.T) {
		f := newExitFixture(t)
		_, err := f.builder.BuildExitTx(
			f.payingInput, f.payingPrevout, nil, testRuneId, 700, f.utxos[0].Address,
		)
		require.ErrorContains(t, err, "no inputs")
	})
}

func TestGetSighash(t *testing.T) {
	f := newExitFixture(t)
	exitTx := f.buildExitTx(t, 700)

	first, err := f.builder.GetSighash(exitTx, 0)
	require.NoError(t, err)
	second, err := f.builder.GetSighash(exitTx, 1)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	again, err := f.builder.GetSighash(exitTx, 0)
	require.NoError(t, err)
	require.Equal(t, first, again)

	_, err = f.builder.GetSighash(exitTx, 5)
	require.ErrorContains(t, err, "input index")
}

func TestVerifyPayingInputSignature(t *testing.T) {
	f := newExitFixture(t)
	exitTx := f.buildExitTx(t, 700)
	payingIndex := 2

	t.Run("accepts the user signature", func(t *testing.T) {
		signature := f.signPayingInput(t, exitTx)
		require.NoError(t, f.builder.VerifyPayingInputSignature(exitTx, payingIndex, signature))
	})

	t.Run("rejects a foreign key", func(t *testing.T) {
		original := f.payer
		f.payer = newTaprootWallet(t)
		foreign := f.signPayingInput(t, exitTx)
		f.payer = original

		err := f.builder.VerifyPayingInputSignature(exitTx, payingIndex, foreign)
		require.ErrorContains(t, err, "does not commit")
	})

	t.Run("rejects a signature over the wrong hash type", func(t *testing.T) {
		sighash, err := f.builder.GetSighash(exitTx, payingIndex)
		require.NoError(t, err)
		signature := f.payer.signDefault(t, sighash)
		err = f.builder.VerifyPayingInputSignature(exitTx, payingIndex, signature)
		require.ErrorContains(t, err, "does not commit")
	})

	t.Run("rejects a mismatched hash type byte", func(t *testing.T) {
		signature := f.signPayingInput(t, exitTx)
		tampered := signature[:len(signature)-2] + "01"
		err := f.builder.VerifyPayingInputSignature(exitTx, payingIndex, tampered)
		require.ErrorContains(t, err, "none|anyonecanpay")
	})
}

func TestFinalizeExitTx(t *testing.T) {
	f := newExitFixture(t)
	exitTx := f.buildExitTx(t, 700)

	t.Run("produces a consensus valid transaction", func(t *testing.T) {
		txHex, txid, err := f.builder.FinalizeExitTx(
			exitTx, f.signBridgeInputs(t, exitTx), f.signPayingInput(t, exitTx),
		)
		require.NoError(t, err)

		raw, err := hex.DecodeString(txHex)
		require.NoError(t, err)
		var signed wire.MsgTx
		require.NoError(t, signed.Deserialize(bytes.NewReader(raw)))
		require.Equal(t, signed.TxHash().String(), txid)

		require.Len(t, signed.TxIn, 3)
		require.Len(t, signed.TxIn[0].Witness, 1)
		require.Len(t, signed.TxIn[0].Witness[0], 64)
		require.Len(t, signed.TxIn[2].Witness[0], 65)
		hashType := txscript.SigHashNone | txscript.SigHashAnyOneCanPay
		require.Equal(t, byte(hashType), signed.TxIn[2].Witness[0][64])

		ptx, err := psbt.NewFromRawBytes(strings.NewReader(exitTx), true)
		require.NoError(t, err)
		fetcher := prevoutFetcher(t, ptx)
		sigHashes := txscript.NewTxSigHashes(&signed, fetcher)
		for i, in := range signed.TxIn {
			prevout := fetcher.FetchPrevOutput(in.PreviousOutPoint)
			require.NotNil(t, prevout)
			vm, err := txscript.NewEngine(
				prevout.PkScript, &signed, i, txscript.StandardVerifyFlags,
				nil, sigHashes, prevout.Value, fetcher,
			)
			require.NoError(t, err)
			require.NoError(t, vm.Execute(), "input %d does not verify", i)
		}
	})

	t.Run("rejects a missing bridge signature", func(t *testing.T) {
		signatures := f.signBridgeInputs(t, exitTx)
		delete(signatures, 1)
		_, _, err := f.builder.FinalizeExitTx(exitTx, signatures, f.signPayingInput(t, exitTx))
		require.ErrorContains(t, err, "missing signature for input 1")
	})

	t.Run("rejects garbage signatures", func(t *testing.T) {
		signatures := f.signBridgeInputs(t, exitTx)
		signatures[0] = "beef"
		_, _, err := f.builder.FinalizeExitTx(exitTx, signatures, f.signPayingInput(t, exitTx))
		require.ErrorContains(t, err, "invalid signature for input 0")
	})
}

func TestDecodeExitTxRejectsGarbage(t *testing.T) {
	f := newExitFixture(t)
	_, err := f.builder.DecodeExitTx("not a psbt")
	require.ErrorContains(t, err, "failed to decode exit psbt")
}
