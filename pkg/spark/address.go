package spark

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Spark addresses are bech32m strings wrapping a compressed secp256k1
// identity key in a one-field protobuf payload (field 1, wire type 2).
const addressKeyTag = 0x0a

func (n Network) addressHrp() string {
	switch n {
	case NetworkMainnet:
		return "sp"
	case NetworkTestnet:
		return "spt"
	case NetworkSignet:
		return "sps"
	case NetworkRegtest:
		return "sprt"
	case NetworkLocal:
		return "spl"
	default:
		return ""
	}
}

func networkFromHrp(hrp string) (Network, error) {
	switch hrp {
	case "sp":
		return NetworkMainnet, nil
	case "spt":
		return NetworkTestnet, nil
	case "sps":
		return NetworkSignet, nil
	case "sprt":
		return NetworkRegtest, nil
	case "spl":
		return NetworkLocal, nil
	default:
		return 0, fmt.Errorf("unknown address prefix %q", hrp)
	}
}

// EncodeAddress renders the identity key as a spark address for the given
// network.
func EncodeAddress(identityKey *btcec.PublicKey, network Network) (string, error) {
	if identityKey == nil {
		return "", fmt.Errorf("missing identity public key")
	}
	hrp := network.addressHrp()
	if hrp == "" {
		return "", fmt.Errorf("unknown spark network %d", uint32(network))
	}

	key := identityKey.SerializeCompressed()
	payload := make([]byte, 0, len(key)+2)
	payload = append(payload, addressKeyTag, byte(len(key)))
	payload = append(payload, key...)

	grp, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.EncodeM(hrp, grp)
}

// DecodeAddress parses a spark address back into the identity key and the
// network it was issued for. Trailing optional payload fields are ignored.
func DecodeAddress(addr string) (*btcec.PublicKey, Network, error) {
	hrp, buf, err := bech32.DecodeNoLimit(addr)
	if err != nil {
		return nil, 0, err
	}
	network, err := networkFromHrp(hrp)
	if err != nil {
		return nil, 0, err
	}

	payload, err := bech32.ConvertBits(buf, 5, 8, false)
	if err != nil {
		return nil, 0, err
	}
	if len(payload) < 2 || payload[0] != addressKeyTag {
		return nil, 0, fmt.Errorf("malformed address payload")
	}
	keyLen := int(payload[1])
	if keyLen != 33 || len(payload) < 2+keyLen {
		return nil, 0, fmt.Errorf("wrong identity key length %d", keyLen)
	}

	key, err := btcec.ParsePubKey(payload[2 : 2+keyLen])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse identity key: %s", err)
	}
	return key, network, nil
}
