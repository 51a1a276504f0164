package signer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Request kinds. Sign requests carry rounds 1-2, dkg requests rounds 1-3
// where round 3 finalizes the ceremony.
const (
	kindRegisterIntent = "register_intent"
	kindRevokeIntent   = "revoke_intent"
	kindSign           = "sign"
	kindDkg            = "dkg"
)

// Reply kinds.
const (
	kindOk      = "ok"
	kindRefused = "refused"
	kindError   = "error"
)

// Error codes carried by error replies.
const (
	errCodeInvalidInput = "invalid_input"
	errCodeNotFound     = "not_found"
	errCodeInternal     = "internal"
)

// maxFrameSize caps a single frame. The largest legitimate payloads are dkg
// round-2 package sets and exit psbts, both well below this.
const maxFrameSize = 1 << 20

// envelope is one frame of the signing plane, sent as a 4-byte big-endian
// length prefix followed by its JSON encoding. The signature is BIP-340 over
// the envelope digest under the sender's static key.
type envelope struct {
	SessionId string          `json:"session_id"`
	Round     uint32          `json:"round"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sender    string          `json:"sender"`
	Signature string          `json:"signature,omitempty"`
}

// digest is the signed image of the envelope: every field but the signature,
// length-prefixed so no two envelopes share an image.
func (e *envelope) digest() [32]byte {
	round := make([]byte, 4)
	binary.BigEndian.PutUint32(round, e.Round)

	h := sha256.New()
	for _, part := range [][]byte{
		[]byte(e.SessionId), round, []byte(e.Kind), []byte(e.Sender), e.Payload,
	} {
		size := make([]byte, 4)
		binary.BigEndian.PutUint32(size, uint32(len(part)))
		h.Write(size)
		h.Write(part)
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func (e *envelope) sign(key *btcec.PrivateKey) error {
	digest := e.digest()
	signature, err := schnorr.Sign(key, digest[:])
	if err != nil {
		return fmt.Errorf("failed to sign envelope: %s", err)
	}
	e.Signature = hex.EncodeToString(signature.Serialize())
	return nil
}

func (e *envelope) verify(key *btcec.PublicKey) bool {
	buf, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	signature, err := schnorr.ParseSignature(buf)
	if err != nil {
		return false
	}
	digest := e.digest()
	return signature.Verify(digest[:], key)
}

func writeFrame(w io.Writer, env *envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %s", err)
	}
	frame := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(frame, uint32(len(buf)))
	copy(frame[4:], buf)

	_, err = w.Write(frame)
	return err
}

func readFrame(r io.Reader) (*envelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header)
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	env := &envelope{}
	if err := json.Unmarshal(buf, env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %s", err)
	}
	return env, nil
}

type outPointJSON struct {
	Txid string `json:"txid"`
	VOut uint32 `json:"vout"`
}

type intentPayload struct {
	DepositId       string        `json:"deposit_id"`
	UserPublicKey   string        `json:"user_public_key"`
	RuneId          string        `json:"rune_id"`
	Amount          uint64        `json:"amount"`
	Chain           string        `json:"chain"`
	ReceiverAddress string        `json:"receiver_address"`
	DepositAddress  string        `json:"deposit_address"`
	ShareId         string        `json:"share_id"`
	GroupPublicKey  string        `json:"group_public_key"`
	IssuerPublicKey string        `json:"issuer_public_key"`
	OutPoint        *outPointJSON `json:"out_point,omitempty"`
	ExitAddress     string        `json:"exit_address,omitempty"`
}

func toIntentPayload(intent ports.SigningIntent) intentPayload {
	payload := intentPayload{
		DepositId:       intent.DepositId,
		UserPublicKey:   intent.UserPublicKey,
		RuneId:          intent.RuneId,
		Amount:          intent.Amount,
		Chain:           string(intent.Chain),
		ReceiverAddress: intent.ReceiverAddress,
		DepositAddress:  intent.DepositAddress,
		ShareId:         intent.ShareId,
		GroupPublicKey:  intent.GroupPublicKey,
		IssuerPublicKey: intent.IssuerPublicKey,
		ExitAddress:     intent.ExitAddress,
	}
	if intent.Outpoint != nil {
		payload.OutPoint = &outPointJSON{intent.Outpoint.Txid, intent.Outpoint.VOut}
	}
	return payload
}

func (p intentPayload) toIntent() ports.SigningIntent {
	intent := ports.SigningIntent{
		DepositId:       p.DepositId,
		UserPublicKey:   p.UserPublicKey,
		RuneId:          p.RuneId,
		Amount:          p.Amount,
		Chain:           domain.Chain(p.Chain),
		ReceiverAddress: p.ReceiverAddress,
		DepositAddress:  p.DepositAddress,
		ShareId:         p.ShareId,
		GroupPublicKey:  p.GroupPublicKey,
		IssuerPublicKey: p.IssuerPublicKey,
		ExitAddress:     p.ExitAddress,
	}
	if p.OutPoint != nil {
		intent.Outpoint = &domain.Outpoint{Txid: p.OutPoint.Txid, VOut: p.OutPoint.VOut}
	}
	return intent
}

type revokePayload struct {
	DepositId string `json:"deposit_id"`
}

type signRound1Payload struct {
	DepositId        string `json:"deposit_id"`
	RequestId        string `json:"request_id"`
	ShareId          string `json:"share_id"`
	Kind             string `json:"kind"`
	MessageHash      string `json:"message_hash"`
	TokenTransaction []byte `json:"token_transaction,omitempty"`
	ExitTx           string `json:"exit_tx,omitempty"`
	InputIndex       uint32 `json:"input_index,omitempty"`
}

type signRound2Payload struct {
	SigningPackage []byte `json:"signing_package"`
}

type dkgRound1Payload struct {
	Index           uint32   `json:"index"`
	Threshold       uint32   `json:"threshold"`
	Total           uint32   `json:"total"`
	ParticipantKeys []string `json:"participant_keys"`
}

type dkgRound2Payload struct {
	Packages []byte `json:"packages"`
}

type dkgFinalizePayload struct {
	Shares []byte `json:"shares"`
}

type resultPayload struct {
	Data []byte `json:"data,omitempty"`
}

type refusalPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

type errorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}
