package frost

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Wire encoding. Every protocol type marshals to JSON with compressed points
// and 32-byte scalars as hex strings, so the packages can travel inside
// signing-plane envelopes and be stored as-is.

func encodeKey(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

func decodeKey(encoded string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}

func encodeScalar(scalar *secp256k1.ModNScalar) string {
	raw := scalar.Bytes()
	return hex.EncodeToString(raw[:])
}

func decodeScalar(encoded string) (*secp256k1.ModNScalar, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected scalar to be 32 bytes, got %d", len(raw))
	}
	scalar := new(secp256k1.ModNScalar)
	if overflow := scalar.SetByteSlice(raw); overflow {
		return nil, fmt.Errorf("scalar out of range")
	}
	return scalar, nil
}

type keygenRound1JSON struct {
	Index       uint32   `json:"index"`
	Commitments []string `json:"commitments"`
	ProofR      string   `json:"proof_r"`
	ProofS      string   `json:"proof_s"`
}

func (r KeygenRound1) MarshalJSON() ([]byte, error) {
	commitments := make([]string, 0, len(r.Commitments))
	for _, c := range r.Commitments {
		commitments = append(commitments, encodeKey(c))
	}
	return json.Marshal(keygenRound1JSON{
		Index:       r.Index,
		Commitments: commitments,
		ProofR:      encodeKey(r.ProofR),
		ProofS:      encodeScalar(r.ProofS),
	})
}

func (r *KeygenRound1) UnmarshalJSON(data []byte) error {
	var decoded keygenRound1JSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	commitments := make([]*btcec.PublicKey, 0, len(decoded.Commitments))
	for _, c := range decoded.Commitments {
		key, err := decodeKey(c)
		if err != nil {
			return err
		}
		commitments = append(commitments, key)
	}
	proofR, err := decodeKey(decoded.ProofR)
	if err != nil {
		return err
	}
	proofS, err := decodeScalar(decoded.ProofS)
	if err != nil {
		return err
	}

	r.Index = decoded.Index
	r.Commitments = commitments
	r.ProofR = proofR
	r.ProofS = proofS
	return nil
}

type secretShareJSON struct {
	From  uint32 `json:"from"`
	To    uint32 `json:"to"`
	Value string `json:"value"`
}

func (s SecretShare) MarshalJSON() ([]byte, error) {
	return json.Marshal(secretShareJSON{From: s.From, To: s.To, Value: encodeScalar(s.Value)})
}

func (s *SecretShare) UnmarshalJSON(data []byte) error {
	var decoded secretShareJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	value, err := decodeScalar(decoded.Value)
	if err != nil {
		return err
	}
	s.From = decoded.From
	s.To = decoded.To
	s.Value = value
	return nil
}

type partyCommitmentsJSON struct {
	Index       uint32   `json:"index"`
	Commitments []string `json:"commitments"`
}

type publicSharesJSON struct {
	Total       uint32                 `json:"total"`
	GroupKey    string                 `json:"group_key"`
	Commitments []partyCommitmentsJSON `json:"commitments"`
}

func (p PublicShares) MarshalJSON() ([]byte, error) {
	parties := make([]partyCommitmentsJSON, 0, len(p.Commitments))
	for party := uint32(1); party <= p.Total; party++ {
		commitments, ok := p.Commitments[party]
		if !ok {
			return nil, fmt.Errorf("missing commitments for party %d", party)
		}
		encoded := make([]string, 0, len(commitments))
		for _, c := range commitments {
			encoded = append(encoded, encodeKey(c))
		}
		parties = append(parties, partyCommitmentsJSON{Index: party, Commitments: encoded})
	}
	return json.Marshal(publicSharesJSON{
		Total:       p.Total,
		GroupKey:    encodeKey(p.GroupKey),
		Commitments: parties,
	})
}

func (p *PublicShares) UnmarshalJSON(data []byte) error {
	var decoded publicSharesJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	groupKey, err := decodeKey(decoded.GroupKey)
	if err != nil {
		return err
	}
	commitments := make(map[uint32][]*btcec.PublicKey, len(decoded.Commitments))
	for _, party := range decoded.Commitments {
		if _, ok := commitments[party.Index]; ok {
			return fmt.Errorf("duplicate commitments for party %d", party.Index)
		}
		keys := make([]*btcec.PublicKey, 0, len(party.Commitments))
		for _, c := range party.Commitments {
			key, err := decodeKey(c)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		commitments[party.Index] = keys
	}

	p.Total = decoded.Total
	p.GroupKey = groupKey
	p.Commitments = commitments
	return nil
}

type keyShareJSON struct {
	Index  uint32          `json:"index"`
	Secret string          `json:"secret"`
	Public json.RawMessage `json:"public"`
}

func (k KeyShare) MarshalJSON() ([]byte, error) {
	public, err := json.Marshal(k.Public)
	if err != nil {
		return nil, err
	}
	return json.Marshal(keyShareJSON{
		Index:  k.Index,
		Secret: encodeScalar(k.Secret),
		Public: public,
	})
}

func (k *KeyShare) UnmarshalJSON(data []byte) error {
	var decoded keyShareJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	secret, err := decodeScalar(decoded.Secret)
	if err != nil {
		return err
	}
	public := &PublicShares{}
	if err := json.Unmarshal(decoded.Public, public); err != nil {
		return err
	}
	k.Index = decoded.Index
	k.Secret = secret
	k.Public = public
	return nil
}

type nonceCommitmentJSON struct {
	Index   uint32 `json:"index"`
	Hiding  string `json:"hiding"`
	Binding string `json:"binding"`
}

func (n NonceCommitment) MarshalJSON() ([]byte, error) {
	return json.Marshal(nonceCommitmentJSON{
		Index:   n.Index,
		Hiding:  encodeKey(n.Hiding),
		Binding: encodeKey(n.Binding),
	})
}

func (n *NonceCommitment) UnmarshalJSON(data []byte) error {
	var decoded nonceCommitmentJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	hiding, err := decodeKey(decoded.Hiding)
	if err != nil {
		return err
	}
	binding, err := decodeKey(decoded.Binding)
	if err != nil {
		return err
	}
	n.Index = decoded.Index
	n.Hiding = hiding
	n.Binding = binding
	return nil
}

type signingPackageJSON struct {
	Message     string                `json:"message"`
	Commitments []nonceCommitmentJSON `json:"commitments"`
}

func (p SigningPackage) MarshalJSON() ([]byte, error) {
	commitments := make([]nonceCommitmentJSON, 0, len(p.Commitments))
	for _, commitment := range p.Commitments {
		commitments = append(commitments, nonceCommitmentJSON{
			Index:   commitment.Index,
			Hiding:  encodeKey(commitment.Hiding),
			Binding: encodeKey(commitment.Binding),
		})
	}
	return json.Marshal(signingPackageJSON{
		Message:     hex.EncodeToString(p.Message[:]),
		Commitments: commitments,
	})
}

func (p *SigningPackage) UnmarshalJSON(data []byte) error {
	var decoded signingPackageJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	message, err := hex.DecodeString(decoded.Message)
	if err != nil {
		return err
	}
	if len(message) != 32 {
		return fmt.Errorf("expected message to be 32 bytes, got %d", len(message))
	}

	commitments := make(map[uint32]*NonceCommitment, len(decoded.Commitments))
	for _, c := range decoded.Commitments {
		if _, ok := commitments[c.Index]; ok {
			return fmt.Errorf("duplicate commitment for participant %d", c.Index)
		}
		hiding, err := decodeKey(c.Hiding)
		if err != nil {
			return err
		}
		binding, err := decodeKey(c.Binding)
		if err != nil {
			return err
		}
		commitments[c.Index] = &NonceCommitment{Index: c.Index, Hiding: hiding, Binding: binding}
	}

	p.Message = [32]byte(message)
	p.Commitments = commitments
	return nil
}

type partialSignatureJSON struct {
	Index uint32 `json:"index"`
	Z     string `json:"z"`
}

func (p PartialSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal(partialSignatureJSON{Index: p.Index, Z: encodeScalar(p.Z)})
}

func (p *PartialSignature) UnmarshalJSON(data []byte) error {
	var decoded partialSignatureJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	z, err := decodeScalar(decoded.Z)
	if err != nil {
		return err
	}
	p.Index = decoded.Index
	p.Z = z
	return nil
}
