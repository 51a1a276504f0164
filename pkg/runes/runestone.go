package runes

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Protocol tags. Body terminates the field section; everything after it is
// edict integers. Unhandled even tags invalidate the whole message, odd tags
// are ignorable.
const (
	tagBody    uint64 = 0
	tagMint    uint64 = 20
	tagPointer uint64 = 22
)

var (
	// ErrNotRunestone is returned when a transaction carries no
	// OP_RETURN OP_13 output.
	ErrNotRunestone = errors.New("transaction carries no runestone")

	// ErrMalformedRunestone is returned for messages the bridge must not
	// act on: truncated or overflowing varints, unknown even tags, edicts
	// pointing past the transaction outputs.
	ErrMalformedRunestone = errors.New("malformed runestone")
)

// Edict moves Amount of the rune ID to the transaction output at index
// Output. Output may equal the output count, which spreads the amount over
// all non-OP_RETURN outputs.
type Edict struct {
	ID     RuneID
	Amount *big.Int
	Output uint32
}

// Runestone is the protocol message carried in the OP_RETURN output of a
// runes transaction. Only transfers are supported: edicts, an optional
// pointer redirecting unallocated runes, and an optional mint claim.
type Runestone struct {
	Edicts  []Edict
	Pointer *uint32
	Mint    *RuneID
}

// Script assembles the OP_RETURN script carrying the runestone.
func (r *Runestone) Script() ([]byte, error) {
	payload, err := r.payload()
	if err != nil {
		return nil, err
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddOp(txscript.OP_13).
		AddData(payload).
		Script()
}

func (r *Runestone) payload() ([]byte, error) {
	var payload []byte

	if r.Mint != nil {
		payload = appendUvarint(payload, tagMint)
		payload = appendUvarint(payload, r.Mint.Block)
		payload = appendUvarint(payload, tagMint)
		payload = appendUvarint(payload, uint64(r.Mint.Tx))
	}
	if r.Pointer != nil {
		payload = appendUvarint(payload, tagPointer)
		payload = appendUvarint(payload, uint64(*r.Pointer))
	}

	if len(r.Edicts) == 0 {
		return payload, nil
	}

	payload = appendUvarint(payload, tagBody)

	sorted := make([]Edict, len(r.Edicts))
	copy(sorted, r.Edicts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID.Cmp(sorted[j].ID) < 0
	})

	previous := RuneID{}
	for _, edict := range sorted {
		if edict.Amount == nil || edict.Amount.Sign() < 0 || edict.Amount.Cmp(u128Bound) >= 0 {
			return nil, fmt.Errorf("edict amount out of u128 range")
		}
		blockDelta, txDelta := previous.delta(edict.ID)
		payload = appendUvarint(payload, blockDelta)
		payload = appendUvarint(payload, txDelta)
		payload = appendVarint(payload, edict.Amount)
		payload = appendUvarint(payload, uint64(edict.Output))
		previous = edict.ID
	}
	return payload, nil
}

// Decode extracts and validates the runestone of tx. The first
// OP_RETURN OP_13 output wins. ErrNotRunestone is returned when there is
// none, ErrMalformedRunestone when the message must not be acted on.
func Decode(tx *wire.MsgTx) (*Runestone, error) {
	for _, out := range tx.TxOut {
		payload, found, err := parsePayload(out.PkScript)
		if !found {
			continue
		}
		if err != nil {
			return nil, err
		}
		return parseMessage(tx, payload)
	}
	return nil, ErrNotRunestone
}

// parsePayload concatenates the data pushes following OP_RETURN OP_13.
// found reports whether the script is a runestone output at all; err only
// matters when it is.
func parsePayload(script []byte) ([]byte, bool, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false, nil
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_13 {
		return nil, false, nil
	}

	var payload []byte
	for tokenizer.Next() {
		if tokenizer.Opcode() == txscript.OP_0 {
			continue
		}
		data := tokenizer.Data()
		if data == nil {
			return nil, true, fmt.Errorf("%w: non-push opcode in payload", ErrMalformedRunestone)
		}
		payload = append(payload, data...)
	}
	if err := tokenizer.Err(); err != nil {
		return nil, true, fmt.Errorf("%w: %s", ErrMalformedRunestone, err)
	}
	return payload, true, nil
}

func parseMessage(tx *wire.MsgTx, payload []byte) (*Runestone, error) {
	fields := make(map[uint64][]*big.Int)
	var body []*big.Int

	for i := 0; i < len(payload); {
		tag, n, err := uvarint(payload[i:])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedRunestone, err)
		}
		i += n

		if tag.IsUint64() && tag.Uint64() == tagBody {
			for i < len(payload) {
				value, n, err := uvarint(payload[i:])
				if err != nil {
					return nil, fmt.Errorf("%w: %s", ErrMalformedRunestone, err)
				}
				i += n
				body = append(body, value)
			}
			break
		}

		if i >= len(payload) {
			return nil, fmt.Errorf("%w: field tag without value", ErrMalformedRunestone)
		}
		value, n, err := uvarint(payload[i:])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedRunestone, err)
		}
		i += n

		if !tag.IsUint64() {
			if tag.Bit(0) == 0 {
				return nil, fmt.Errorf("%w: unrecognized even tag", ErrMalformedRunestone)
			}
			continue
		}
		fields[tag.Uint64()] = append(fields[tag.Uint64()], value)
	}

	runestone := &Runestone{}

	if values, ok := fields[tagPointer]; ok {
		pointer := values[0]
		if !pointer.IsUint64() || pointer.Uint64() >= uint64(len(tx.TxOut)) {
			return nil, fmt.Errorf("%w: pointer past outputs", ErrMalformedRunestone)
		}
		p := uint32(pointer.Uint64())
		runestone.Pointer = &p
		delete(fields, tagPointer)
	}

	if values, ok := fields[tagMint]; ok {
		if len(values) < 2 {
			return nil, fmt.Errorf("%w: truncated mint claim", ErrMalformedRunestone)
		}
		if !values[0].IsUint64() || !values[1].IsUint64() || values[1].Uint64() > math.MaxUint32 {
			return nil, fmt.Errorf("%w: mint claim out of range", ErrMalformedRunestone)
		}
		mint := RuneID{Block: values[0].Uint64(), Tx: uint32(values[1].Uint64())}
		if mint.Block == 0 && mint.Tx > 0 {
			return nil, fmt.Errorf("%w: invalid mint claim %s", ErrMalformedRunestone, mint)
		}
		runestone.Mint = &mint
		delete(fields, tagMint)
	}

	for tag := range fields {
		if tag%2 == 0 {
			return nil, fmt.Errorf("%w: unrecognized even tag %d", ErrMalformedRunestone, tag)
		}
	}

	if len(body)%4 != 0 {
		return nil, fmt.Errorf("%w: trailing integers in body", ErrMalformedRunestone)
	}
	previous := RuneID{}
	for chunk := body; len(chunk) > 0; chunk = chunk[4:] {
		id, err := previous.next(chunk[0], chunk[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedRunestone, err)
		}
		output := chunk[3]
		if !output.IsUint64() || output.Uint64() > uint64(len(tx.TxOut)) {
			return nil, fmt.Errorf("%w: edict output past outputs", ErrMalformedRunestone)
		}
		runestone.Edicts = append(runestone.Edicts, Edict{
			ID:     id,
			Amount: chunk[2],
			Output: uint32(output.Uint64()),
		})
		previous = id
	}

	return runestone, nil
}
