package runes

import (
	"errors"
	"math/big"
)

var (
	errVarintUnterminated = errors.New("unterminated varint")
	errVarintOverlong     = errors.New("overlong varint")
	errVarintOverflow     = errors.New("varint overflows u128")
)

// u128Bound is the exclusive upper bound of rune amounts.
var u128Bound = new(big.Int).Lsh(big.NewInt(1), 128)

var sevenBits = big.NewInt(0x7f)

// appendVarint appends the LEB128 encoding of v, least significant group
// first. v must be non-negative and below 2^128; the encoder validates
// amounts before calling it.
func appendVarint(buf []byte, v *big.Int) []byte {
	n := new(big.Int).Set(v)
	word := new(big.Int)
	for n.BitLen() > 7 {
		word.And(n, sevenBits)
		buf = append(buf, byte(word.Uint64())|0x80)
		n.Rsh(n, 7)
	}
	return append(buf, byte(n.Uint64()))
}

func appendUvarint(buf []byte, v uint64) []byte {
	for v>>7 > 0 {
		buf = append(buf, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// uvarint decodes a LEB128 varint from the front of data and returns the
// value with the number of bytes consumed. Values of 2^128 and above and
// encodings longer than 19 bytes are rejected.
func uvarint(data []byte) (*big.Int, int, error) {
	n := new(big.Int)
	word := new(big.Int)
	for i, b := range data {
		if i > 18 {
			return nil, 0, errVarintOverlong
		}
		word.SetUint64(uint64(b & 0x7f))
		word.Lsh(word, uint(7*i))
		n.Or(n, word)
		if b&0x80 == 0 {
			if n.Cmp(u128Bound) >= 0 {
				return nil, 0, errVarintOverflow
			}
			return n, i + 1, nil
		}
	}
	return nil, 0, errVarintUnterminated
}
