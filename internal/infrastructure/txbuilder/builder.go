package txbuilder

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/runes"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Exit transaction layout: the runestone at output 0 routes the exit amount
// to the user output at index 1; rune and sats change, when any, go back to
// the bridge at index 2. The fee-paying input is always appended last.
const (
	userOutputIndex   = 1
	changeOutputIndex = 2

	payingSighashType = txscript.SigHashNone | txscript.SigHashAnyOneCanPay
)

type txBuilder struct {
	network     *chaincfg.Params
	dustAmount  uint64
	exitFeeRate uint64
}

func NewTxBuilder(network *chaincfg.Params, dustAmount, exitFeeRate uint64) ports.TxBuilder {
	return &txBuilder{network, dustAmount, exitFeeRate}
}

func (b *txBuilder) BuildExitTx(
	payingInput domain.PayingInput, payingPrevout ports.Prevout,
	utxos []domain.Utxo, runeId string, exitAmount uint64, changeAddress string,
) (string, error) {
	if len(utxos) <= 0 {
		return "", fmt.Errorf("no inputs to spend")
	}
	id, err := runes.ParseRuneID(runeId)
	if err != nil {
		return "", err
	}
	if !txscript.IsPayToTaproot(payingPrevout.PkScript) {
		return "", fmt.Errorf("paying input is not a taproot output")
	}
	if payingPrevout.Value != int64(payingInput.SatsAmount) {
		return "", fmt.Errorf(
			"paying outpoint carries %d sats, request claims %d",
			payingPrevout.Value, payingInput.SatsAmount,
		)
	}

	var totalRunes, totalSats uint64
	for _, utxo := range utxos {
		totalRunes += utxo.RuneAmount
		totalSats += utxo.Sats
	}
	if totalRunes < exitAmount {
		return "", fmt.Errorf(
			"inputs carry %d base units of rune %s, need %d", totalRunes, runeId, exitAmount,
		)
	}
	change := totalRunes - exitAmount

	runestone := &runes.Runestone{Edicts: []runes.Edict{{
		ID: id, Amount: new(big.Int).SetUint64(exitAmount), Output: userOutputIndex,
	}}}
	if change > 0 {
		runestone.Edicts = append(runestone.Edicts, runes.Edict{
			ID: id, Amount: new(big.Int).SetUint64(change), Output: changeOutputIndex,
		})
	}
	runestoneScript, err := runestone.Script()
	if err != nil {
		return "", err
	}

	ins := make([]*wire.OutPoint, 0, len(utxos)+1)
	nSequences := make([]uint32, 0, len(utxos)+1)
	witnessUtxos := make([]*wire.TxOut, 0, len(utxos)+1)
	for _, utxo := range utxos {
		hash, err := chainhash.NewHashFromStr(utxo.Txid)
		if err != nil {
			return "", fmt.Errorf("invalid input txid %s: %s", utxo.Txid, err)
		}
		script, err := b.payToAddrScript(utxo.Address)
		if err != nil {
			return "", err
		}
		ins = append(ins, wire.NewOutPoint(hash, utxo.VOut))
		nSequences = append(nSequences, wire.MaxTxInSequenceNum)
		witnessUtxos = append(witnessUtxos, wire.NewTxOut(int64(utxo.Sats), script))
	}
	payingHash, err := chainhash.NewHashFromStr(payingInput.Txid)
	if err != nil {
		return "", fmt.Errorf("invalid paying input txid %s: %s", payingInput.Txid, err)
	}
	ins = append(ins, wire.NewOutPoint(payingHash, payingInput.VOut))
	nSequences = append(nSequences, wire.MaxTxInSequenceNum)
	witnessUtxos = append(witnessUtxos, wire.NewTxOut(payingPrevout.Value, payingPrevout.PkScript))

	exitScript, err := b.payToAddrScript(payingInput.ExitAddress)
	if err != nil {
		return "", err
	}
	outputs := []*wire.TxOut{
		wire.NewTxOut(0, runestoneScript),
		wire.NewTxOut(int64(b.dustAmount), exitScript),
	}
	if change > 0 {
		changeScript, err := b.payToAddrScript(changeAddress)
		if err != nil {
			return "", err
		}
		// the bridge inputs' sats ride along with the rune change
		outputs = append(outputs, wire.NewTxOut(int64(totalSats), changeScript))
	}

	ptx, err := psbt.New(ins, outputs, 2, 0, nSequences)
	if err != nil {
		return "", fmt.Errorf("failed to assemble exit psbt: %s", err)
	}

	fee := int64(payingInput.SatsAmount) - int64(b.dustAmount)
	if change == 0 {
		fee += int64(totalSats)
	}
	if floor := int64(estimateVsize(ptx.UnsignedTx) * b.exitFeeRate); fee < floor {
		return "", fmt.Errorf("paying input leaves %d sats of fee, floor is %d", fee, floor)
	}

	updater, err := psbt.NewUpdater(ptx)
	if err != nil {
		return "", err
	}
	for i, utxo := range witnessUtxos {
		if err := updater.AddInWitnessUtxo(utxo, i); err != nil {
			return "", err
		}
		hashType := txscript.SigHashDefault
		if i == len(witnessUtxos)-1 {
			hashType = payingSighashType
		}
		if err := updater.AddInSighashType(hashType, i); err != nil {
			return "", err
		}
	}

	return ptx.B64Encode()
}

func (b *txBuilder) GetSighash(exitTx string, inputIndex int) ([32]byte, error) {
	var sighash [32]byte

	ptx, err := decodePacket(exitTx)
	if err != nil {
		return sighash, err
	}
	if inputIndex < 0 || inputIndex >= len(ptx.Inputs) {
		return sighash, fmt.Errorf("input index %d past the %d inputs", inputIndex, len(ptx.Inputs))
	}

	hash, err := taprootSighash(ptx, inputIndex, txscript.SigHashDefault)
	if err != nil {
		return sighash, err
	}
	copy(sighash[:], hash)
	return sighash, nil
}

func (b *txBuilder) VerifyPayingInputSignature(
	exitTx string, inputIndex int, signature string,
) error {
	ptx, err := decodePacket(exitTx)
	if err != nil {
		return err
	}
	if inputIndex < 0 || inputIndex >= len(ptx.Inputs) {
		return fmt.Errorf("input index %d past the %d inputs", inputIndex, len(ptx.Inputs))
	}
	input := ptx.Inputs[inputIndex]
	if input.WitnessUtxo == nil {
		return fmt.Errorf("missing witness utxo on input #%d", inputIndex)
	}

	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %s", err)
	}
	if len(sigBytes) == schnorr.SignatureSize+1 {
		if txscript.SigHashType(sigBytes[schnorr.SignatureSize]) != payingSighashType {
			return fmt.Errorf("paying input must be signed none|anyonecanpay")
		}
		sigBytes = sigBytes[:schnorr.SignatureSize]
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %s", err)
	}

	script := input.WitnessUtxo.PkScript
	if !txscript.IsPayToTaproot(script) {
		return fmt.Errorf("paying input is not a taproot output")
	}
	outputKey, err := schnorr.ParsePubKey(script[2:])
	if err != nil {
		return fmt.Errorf("invalid paying input key: %s", err)
	}

	sighash, err := taprootSighash(ptx, inputIndex, payingSighashType)
	if err != nil {
		return err
	}
	if !sig.Verify(sighash, outputKey) {
		return fmt.Errorf("signature does not commit to the paying input")
	}
	return nil
}

func (b *txBuilder) FinalizeExitTx(
	exitTx string, signatures map[int]string, payingSignature string,
) (string, string, error) {
	ptx, err := decodePacket(exitTx)
	if err != nil {
		return "", "", err
	}

	tx := ptx.UnsignedTx.Copy()
	payingIndex := len(tx.TxIn) - 1
	for i := range tx.TxIn {
		if i == payingIndex {
			witness, err := payingWitness(payingSignature)
			if err != nil {
				return "", "", err
			}
			tx.TxIn[i].Witness = witness
			continue
		}
		encoded, ok := signatures[i]
		if !ok {
			return "", "", fmt.Errorf("missing signature for input %d", i)
		}
		sigBytes, err := hex.DecodeString(encoded)
		if err != nil {
			return "", "", fmt.Errorf("invalid signature for input %d: %s", i, err)
		}
		if _, err := schnorr.ParseSignature(sigBytes); err != nil {
			return "", "", fmt.Errorf("invalid signature for input %d: %s", i, err)
		}
		tx.TxIn[i].Witness = wire.TxWitness{sigBytes}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("failed to serialize exit transaction: %s", err)
	}
	return hex.EncodeToString(buf.Bytes()), tx.TxHash().String(), nil
}

func (b *txBuilder) DecodeExitTx(exitTx string) (*ports.ExitTxInfo, error) {
	ptx, err := decodePacket(exitTx)
	if err != nil {
		return nil, err
	}
	tx := ptx.UnsignedTx

	info := &ports.ExitTxInfo{
		Inputs:          make([]domain.Outpoint, 0, len(tx.TxIn)),
		OutputAddresses: make([]string, 0, len(tx.TxOut)),
		OutputValues:    make([]int64, 0, len(tx.TxOut)),
	}
	for _, in := range tx.TxIn {
		info.Inputs = append(info.Inputs, domain.Outpoint{
			Txid: in.PreviousOutPoint.Hash.String(),
			VOut: in.PreviousOutPoint.Index,
		})
	}
	for _, out := range tx.TxOut {
		address := ""
		_, addresses, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, b.network)
		if err == nil && len(addresses) == 1 {
			address = addresses[0].EncodeAddress()
		}
		info.OutputAddresses = append(info.OutputAddresses, address)
		info.OutputValues = append(info.OutputValues, out.Value)
	}

	runestone, err := runes.Decode(tx)
	if err != nil && !errors.Is(err, runes.ErrNotRunestone) {
		return nil, err
	}
	info.Runestone = runestone
	return info, nil
}

func (b *txBuilder) payToAddrScript(encoded string) ([]byte, error) {
	address, err := btcutil.DecodeAddress(encoded, b.network)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %s", encoded, err)
	}
	script, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, fmt.Errorf("failed to build script for %s: %s", encoded, err)
	}
	return script, nil
}

func decodePacket(exitTx string) (*psbt.Packet, error) {
	ptx, err := psbt.NewFromRawBytes(strings.NewReader(exitTx), true)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exit psbt: %s", err)
	}
	return ptx, nil
}

func taprootSighash(
	ptx *psbt.Packet, inputIndex int, hashType txscript.SigHashType,
) ([]byte, error) {
	prevouts := make(map[wire.OutPoint]*wire.TxOut)
	for i, input := range ptx.Inputs {
		if input.WitnessUtxo == nil {
			return nil, fmt.Errorf("missing witness utxo on input #%d", i)
		}
		prevouts[ptx.UnsignedTx.TxIn[i].PreviousOutPoint] = input.WitnessUtxo
	}
	prevoutFetcher := txscript.NewMultiPrevOutFetcher(prevouts)

	return txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(ptx.UnsignedTx, prevoutFetcher),
		hashType,
		ptx.UnsignedTx,
		inputIndex,
		prevoutFetcher,
	)
}

// payingWitness rebuilds the user's witness: the 64-byte signature plus the
// none|anyonecanpay hashtype byte.
func payingWitness(signature string) (wire.TxWitness, error) {
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid paying signature: %s", err)
	}
	switch len(sigBytes) {
	case schnorr.SignatureSize:
		sigBytes = append(sigBytes, byte(payingSighashType))
	case schnorr.SignatureSize + 1:
		if txscript.SigHashType(sigBytes[schnorr.SignatureSize]) != payingSighashType {
			return nil, fmt.Errorf("paying input must be signed none|anyonecanpay")
		}
	default:
		return nil, fmt.Errorf("invalid paying signature length %d", len(sigBytes))
	}
	return wire.TxWitness{sigBytes}, nil
}

// estimateVsize sizes the fully signed transaction: every input spends a
// taproot output through the key path, one witness item of at most 65 bytes.
func estimateVsize(tx *wire.MsgTx) uint64 {
	base := tx.SerializeSizeStripped()
	witness := 2 // segwit marker and flag
	for range tx.TxIn {
		witness += 67
	}
	weight := base*4 + witness
	return uint64(weight+3) / 4
}
