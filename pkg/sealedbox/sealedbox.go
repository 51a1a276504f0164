// Package sealedbox implements anonymous public-key encryption to a static
// secp256k1 identity key. A fresh ephemeral key is sampled per box, the
// shared point is hashed into an XChaCha20-Poly1305 key and the ephemeral
// public key travels with the ciphertext. Relays carrying a box learn
// nothing about its content, which is what lets the gateway shuttle DKG
// secret shares between verifiers without being trusted.
package sealedbox

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

const keySize = 33

// Overhead is the size difference between a sealed box and its plaintext.
const Overhead = keySize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

func sharedKey(shared []byte, ephemeral, recipient *btcec.PublicKey) []byte {
	hasher := sha256.New()
	hasher.Write(shared)
	hasher.Write(ephemeral.SerializeCompressed())
	hasher.Write(recipient.SerializeCompressed())
	return hasher.Sum(nil)
}

// Seal encrypts the plaintext so only the holder of the recipient's secret
// key can read it.
func Seal(recipient *btcec.PublicKey, plaintext []byte) ([]byte, error) {
	if recipient == nil {
		return nil, fmt.Errorf("missing recipient public key")
	}

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	shared := secp256k1.GenerateSharedSecret(ephemeral, recipient)
	aead, err := chacha20poly1305.NewX(sharedKey(shared, ephemeral.PubKey(), recipient))
	if err != nil {
		return nil, err
	}

	out := make([]byte, keySize+chacha20poly1305.NonceSizeX, len(plaintext)+Overhead)
	copy(out, ephemeral.PubKey().SerializeCompressed())
	nonce := out[keySize:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a box sealed to the given secret key.
func Open(recipient *btcec.PrivateKey, box []byte) ([]byte, error) {
	if recipient == nil {
		return nil, fmt.Errorf("missing recipient secret key")
	}
	if len(box) < Overhead {
		return nil, fmt.Errorf("sealed box too short, got %d bytes", len(box))
	}

	ephemeral, err := btcec.ParsePubKey(box[:keySize])
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral key: %s", err)
	}
	shared := secp256k1.GenerateSharedSecret(recipient, ephemeral)
	aead, err := chacha20poly1305.NewX(sharedKey(shared, ephemeral, recipient.PubKey()))
	if err != nil {
		return nil, err
	}

	nonce := box[keySize : keySize+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, box[keySize+chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed box: %s", err)
	}
	return plaintext, nil
}
