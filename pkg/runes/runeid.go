// Package runes implements the subset of the runes protocol the bridge
// moves value with: rune ids, u128 varints and transfer runestones (edicts,
// pointer, mint). Etching is out of scope; a runestone carrying etching
// fields is rejected as malformed.
package runes

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// RuneID identifies a rune by the block height and transaction index of its
// etching, formatted BLOCK:TX.
type RuneID struct {
	Block uint64
	Tx    uint32
}

func ParseRuneID(raw string) (RuneID, error) {
	blockPart, txPart, found := strings.Cut(raw, ":")
	if !found {
		return RuneID{}, fmt.Errorf("invalid rune id %q: missing separator", raw)
	}
	block, err := strconv.ParseUint(blockPart, 10, 64)
	if err != nil {
		return RuneID{}, fmt.Errorf("invalid rune id %q: %s", raw, err)
	}
	tx, err := strconv.ParseUint(txPart, 10, 32)
	if err != nil {
		return RuneID{}, fmt.Errorf("invalid rune id %q: %s", raw, err)
	}
	return RuneID{Block: block, Tx: uint32(tx)}, nil
}

func (id RuneID) String() string {
	return fmt.Sprintf("%d:%d", id.Block, id.Tx)
}

func (id RuneID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *RuneID) UnmarshalText(text []byte) error {
	parsed, err := ParseRuneID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Cmp orders ids by block, then transaction index.
func (id RuneID) Cmp(other RuneID) int {
	switch {
	case id.Block < other.Block:
		return -1
	case id.Block > other.Block:
		return 1
	case id.Tx < other.Tx:
		return -1
	case id.Tx > other.Tx:
		return 1
	default:
		return 0
	}
}

// delta returns the varint pair encoding the step from id to next. next must
// not sort before id; the encoder sorts edicts before calling it.
func (id RuneID) delta(next RuneID) (uint64, uint64) {
	blockDelta := next.Block - id.Block
	if blockDelta == 0 {
		return 0, uint64(next.Tx - id.Tx)
	}
	return blockDelta, uint64(next.Tx)
}

// next applies a decoded varint pair to the running id. Block zero only ever
// holds the zero id, so anything landing on 0:N with N > 0 is malformed.
func (id RuneID) next(blockDelta, txDelta *big.Int) (RuneID, error) {
	if !blockDelta.IsUint64() || !txDelta.IsUint64() {
		return RuneID{}, fmt.Errorf("rune id delta out of range")
	}

	if txDelta.Uint64() > math.MaxUint32 {
		return RuneID{}, fmt.Errorf("rune id tx index overflow")
	}

	var result RuneID
	if blockDelta.Uint64() == 0 {
		tx := uint64(id.Tx) + txDelta.Uint64()
		if tx > math.MaxUint32 {
			return RuneID{}, fmt.Errorf("rune id tx index overflow")
		}
		result = RuneID{Block: id.Block, Tx: uint32(tx)}
	} else {
		block := id.Block + blockDelta.Uint64()
		if block < id.Block {
			return RuneID{}, fmt.Errorf("rune id block overflow")
		}
		result = RuneID{Block: block, Tx: uint32(txDelta.Uint64())}
	}

	if result.Block == 0 && result.Tx > 0 {
		return RuneID{}, fmt.Errorf("invalid rune id %s", result)
	}
	return result, nil
}
