package signer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
)

const defaultRequestTimeout = 30 * time.Second

// Endpoint locates one verifier on the signing plane: its framed-TLS address
// and the static key its envelopes must verify under.
type Endpoint struct {
	Address   string
	PublicKey string
}

type TransportConfig struct {
	IdentityKey *btcec.PrivateKey
	Endpoints   map[string]Endpoint
	// CaPath optionally pins the CA bundle verifier certs must chain to.
	// Without it server certs are not checked and the envelope signatures
	// alone authenticate the parties.
	CaPath         string
	RequestTimeout time.Duration
}

type endpoint struct {
	address   string
	publicKey *btcec.PublicKey
	sender    string
}

type transport struct {
	identityKey *btcec.PrivateKey
	sender      string
	endpoints   map[string]endpoint
	tlsConfig   *tls.Config
	timeout     time.Duration
}

// NewTransport returns the gateway side of the signing plane. Every call
// dials the target verifier, exchanges exactly one signed envelope pair and
// closes the connection, so the transport carries no state and is safe for
// concurrent use.
func NewTransport(config TransportConfig) (ports.SignerTransport, error) {
	if config.IdentityKey == nil {
		return nil, fmt.Errorf("missing identity key")
	}
	if len(config.Endpoints) <= 0 {
		return nil, fmt.Errorf("no verifier endpoints configured")
	}

	endpoints := make(map[string]endpoint, len(config.Endpoints))
	for id, ep := range config.Endpoints {
		if len(ep.Address) <= 0 {
			return nil, fmt.Errorf("verifier %s: missing address", id)
		}
		key, err := parsePublicKey(ep.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("verifier %s: %s", id, err)
		}
		endpoints[id] = endpoint{
			address:   ep.Address,
			publicKey: key,
			sender:    hex.EncodeToString(key.SerializeCompressed()),
		}
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(config.CaPath) > 0 {
		pemBytes, err := os.ReadFile(config.CaPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca bundle: %s", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("no certificates found in %s", config.CaPath)
		}
		tlsConfig.RootCAs = pool
	} else {
		// verifier certs are self-signed operator certs
		tlsConfig.InsecureSkipVerify = true // #nosec
	}

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &transport{
		identityKey: config.IdentityKey,
		sender:      hex.EncodeToString(config.IdentityKey.PubKey().SerializeCompressed()),
		endpoints:   endpoints,
		tlsConfig:   tlsConfig,
		timeout:     timeout,
	}, nil
}

func (t *transport) RegisterIntent(
	ctx context.Context, verifierId string, intent ports.SigningIntent,
) error {
	payload, err := json.Marshal(toIntentPayload(intent))
	if err != nil {
		return fmt.Errorf("failed to encode intent: %s", err)
	}
	_, err = t.roundTrip(ctx, verifierId, intent.DepositId, 0, kindRegisterIntent, payload)
	return err
}

func (t *transport) RevokeIntent(ctx context.Context, verifierId, depositId string) error {
	payload, err := json.Marshal(revokePayload{DepositId: depositId})
	if err != nil {
		return fmt.Errorf("failed to encode revocation: %s", err)
	}
	_, err = t.roundTrip(ctx, verifierId, depositId, 0, kindRevokeIntent, payload)
	return err
}

func (t *transport) SendRound1(
	ctx context.Context, verifierId string, req ports.Round1Request,
) ([]byte, error) {
	payload, err := json.Marshal(signRound1Payload{
		DepositId:        req.DepositId,
		RequestId:        req.RequestId,
		ShareId:          req.ShareId,
		Kind:             string(req.Kind),
		MessageHash:      req.MessageHash,
		TokenTransaction: req.TokenTransaction,
		ExitTx:           req.ExitTx,
		InputIndex:       req.InputIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode round 1 request: %s", err)
	}
	return t.roundTrip(ctx, verifierId, req.SessionId, 1, kindSign, payload)
}

func (t *transport) SendRound2(
	ctx context.Context, verifierId string, req ports.Round2Request,
) ([]byte, error) {
	payload, err := json.Marshal(signRound2Payload{SigningPackage: req.SigningPackage})
	if err != nil {
		return nil, fmt.Errorf("failed to encode round 2 request: %s", err)
	}
	return t.roundTrip(ctx, verifierId, req.SessionId, 2, kindSign, payload)
}

func (t *transport) DkgRound1(
	ctx context.Context, verifierId string, req ports.DkgRound1Request,
) ([]byte, error) {
	payload, err := json.Marshal(dkgRound1Payload{
		Index:           req.Index,
		Threshold:       req.Threshold,
		Total:           req.Total,
		ParticipantKeys: req.ParticipantKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode dkg round 1 request: %s", err)
	}
	return t.roundTrip(ctx, verifierId, req.CeremonyId, 1, kindDkg, payload)
}

func (t *transport) DkgRound2(
	ctx context.Context, verifierId string, req ports.DkgRound2Request,
) ([]byte, error) {
	payload, err := json.Marshal(dkgRound2Payload{Packages: req.Packages})
	if err != nil {
		return nil, fmt.Errorf("failed to encode dkg round 2 request: %s", err)
	}
	return t.roundTrip(ctx, verifierId, req.CeremonyId, 2, kindDkg, payload)
}

func (t *transport) DkgFinalize(
	ctx context.Context, verifierId string, req ports.DkgFinalizeRequest,
) ([]byte, error) {
	payload, err := json.Marshal(dkgFinalizePayload{Shares: req.Shares})
	if err != nil {
		return nil, fmt.Errorf("failed to encode dkg finalize request: %s", err)
	}
	return t.roundTrip(ctx, verifierId, req.CeremonyId, 3, kindDkg, payload)
}

func (t *transport) Close() {}

func (t *transport) roundTrip(
	ctx context.Context, verifierId, sessionId string,
	round uint32, kind string, payload []byte,
) ([]byte, error) {
	ep, ok := t.endpoints[verifierId]
	if !ok {
		return nil, fmt.Errorf("unknown verifier %s", verifierId)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: t.tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", ep.address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial verifier %s: %w", verifierId, err)
	}
	// nolint:all
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		// nolint:all
		conn.SetDeadline(deadline)
	}

	request := &envelope{
		SessionId: sessionId,
		Round:     round,
		Kind:      kind,
		Payload:   payload,
		Sender:    t.sender,
	}
	if err := request.sign(t.identityKey); err != nil {
		return nil, err
	}
	if err := writeFrame(conn, request); err != nil {
		return nil, fmt.Errorf("failed to send %s to verifier %s: %w", kind, verifierId, err)
	}

	reply, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s reply from verifier %s: %w", kind, verifierId, err)
	}
	if reply.Sender != ep.sender || !reply.verify(ep.publicKey) {
		return nil, fmt.Errorf("invalid reply signature from verifier %s", verifierId)
	}
	if reply.SessionId != sessionId {
		return nil, fmt.Errorf(
			"verifier %s replied for session %s, expected %s",
			verifierId, reply.SessionId, sessionId,
		)
	}

	switch reply.Kind {
	case kindOk:
		result := resultPayload{}
		if len(reply.Payload) > 0 {
			if err := json.Unmarshal(reply.Payload, &result); err != nil {
				return nil, fmt.Errorf("failed to decode reply from verifier %s: %s", verifierId, err)
			}
		}
		return result.Data, nil
	case kindRefused:
		refusal := refusalPayload{}
		if err := json.Unmarshal(reply.Payload, &refusal); err != nil {
			return nil, fmt.Errorf("failed to decode refusal from verifier %s: %s", verifierId, err)
		}
		return nil, &ports.SignerRefusal{
			VerifierId: verifierId, Code: refusal.Code, Detail: refusal.Detail,
		}
	case kindError:
		replyErr := errorPayload{}
		if err := json.Unmarshal(reply.Payload, &replyErr); err != nil {
			return nil, fmt.Errorf("failed to decode error from verifier %s: %s", verifierId, err)
		}
		return nil, fmt.Errorf("verifier %s replied %s: %s", verifierId, replyErr.Code, replyErr.Detail)
	default:
		return nil, fmt.Errorf("unexpected reply kind %s from verifier %s", reply.Kind, verifierId)
	}
}

func parsePublicKey(encoded string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %s", err)
	}
	key, err := btcec.ParsePubKey(buf)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %s", err)
	}
	return key, nil
}
