package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/application"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/signer"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
)

var (
	supportedEventDbs = supportedType{
		"badger": {},
	}
	supportedDbs = supportedType{
		"badger": {},
		"sqlite": {},
	}
	supportedNetworks = supportedType{
		"mainnet": {},
		"bitcoin": {},
		"testnet": {},
		"signet":  {},
		"regtest": {},
	}
)

func initDatadir(datadir string) error {
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

func networkFromName(name string) (*chaincfg.Params, error) {
	switch name {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %s", name)
	}
}

func parsePrivateKey(encoded string) (*btcec.PrivateKey, error) {
	buf, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %s", err)
	}
	if len(buf) != 32 {
		return nil, fmt.Errorf("invalid key length %d, expected 32", len(buf))
	}
	key, _ := btcec.PrivKeyFromBytes(buf)
	return key, nil
}

func parsePublicKeys(encoded []string) ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, 0, len(encoded))
	for _, raw := range encoded {
		buf, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid key encoding: %s", err)
		}
		key, err := btcec.ParsePubKey(buf)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// parseVerifiers splits "id,publickey,host:port" entries into the verifier
// list handed to the application and the endpoint map handed to the signer
// transport.
func parseVerifiers(entries []string) ([]application.VerifierInfo, map[string]signer.Endpoint, error) {
	if len(entries) <= 0 {
		return nil, nil, fmt.Errorf("no verifiers configured")
	}

	verifiers := make([]application.VerifierInfo, 0, len(entries))
	endpoints := make(map[string]signer.Endpoint, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ",", 3)
		if len(parts) != 3 {
			return nil, nil, fmt.Errorf(
				"invalid verifier entry %q, expected id,publickey,address", entry,
			)
		}
		id, publicKey, address := parts[0], parts[1], parts[2]
		if len(id) <= 0 || len(publicKey) <= 0 || len(address) <= 0 {
			return nil, nil, fmt.Errorf(
				"invalid verifier entry %q, expected id,publickey,address", entry,
			)
		}
		if _, err := parsePublicKeys([]string{publicKey}); err != nil {
			return nil, nil, fmt.Errorf("verifier %s: %s", id, err)
		}
		if _, ok := endpoints[id]; ok {
			return nil, nil, fmt.Errorf("duplicate verifier id %s", id)
		}
		verifiers = append(verifiers, application.VerifierInfo{Id: id, PublicKey: publicKey})
		endpoints[id] = signer.Endpoint{Address: address, PublicKey: publicKey}
	}
	return verifiers, endpoints, nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
