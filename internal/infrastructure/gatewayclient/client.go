package gatewayclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/cenkalti/backoff/v4"
)

const (
	notifyRunesPath = "/api/verifier/notify-runes-deposit"
	notifySparkPath = "/api/verifier/notify-spark-deposit"

	requestTimeout = 15 * time.Second
	maxRetries     = 3
)

// Notification headers. The gateway authenticates the sender by checking the
// body signature against the verifier's registered static key.
const (
	VerifierIdHeader = "X-Verifier-Id"
	SignatureHeader  = "X-Signature"
)

type outPointJSON struct {
	Txid string `json:"txid"`
	VOut uint32 `json:"vout"`
}

type failedStatus struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// notifyStatus is a tagged union, exactly one branch is set.
type notifyStatus struct {
	Confirmed *struct{}     `json:"confirmed,omitempty"`
	Pending   *struct{}     `json:"pending,omitempty"`
	Failed    *failedStatus `json:"failed,omitempty"`
}

type notifyRequest struct {
	VerifierId    string        `json:"verifier_id"`
	OutPoint      *outPointJSON `json:"out_point,omitempty"`
	SparkAddress  string        `json:"spark_address,omitempty"`
	SatsFeeAmount uint64        `json:"sats_fee_amount"`
	Status        notifyStatus  `json:"status"`
}

type client struct {
	baseUrl     string
	identityKey *btcec.PrivateKey
	httpClient  *http.Client
}

func NewClient(baseUrl string, identityKey *btcec.PrivateKey) (ports.GatewayClient, error) {
	parsed, err := url.Parse(baseUrl)
	if err != nil || len(parsed.Scheme) <= 0 || len(parsed.Host) <= 0 {
		return nil, fmt.Errorf("invalid gateway url %s", baseUrl)
	}
	if identityKey == nil {
		return nil, fmt.Errorf("missing identity key")
	}

	return &client{
		baseUrl:     baseUrl,
		identityKey: identityKey,
		httpClient:  &http.Client{Timeout: requestTimeout},
	}, nil
}

func (c *client) NotifyRunesDeposit(
	ctx context.Context, notification ports.DepositNotification,
) error {
	if notification.Outpoint == nil {
		return fmt.Errorf("missing outpoint")
	}

	request, err := toNotifyRequest(notification)
	if err != nil {
		return err
	}
	request.OutPoint = &outPointJSON{
		Txid: notification.Outpoint.Txid,
		VOut: notification.Outpoint.VOut,
	}
	return c.post(ctx, notifyRunesPath, request)
}

func (c *client) NotifySparkDeposit(
	ctx context.Context, notification ports.DepositNotification,
) error {
	if len(notification.SparkAddress) <= 0 {
		return fmt.Errorf("missing spark address")
	}

	request, err := toNotifyRequest(notification)
	if err != nil {
		return err
	}
	request.SparkAddress = notification.SparkAddress
	return c.post(ctx, notifySparkPath, request)
}

func (c *client) Close() {
	c.httpClient.CloseIdleConnections()
}

func toNotifyRequest(notification ports.DepositNotification) (*notifyRequest, error) {
	request := &notifyRequest{
		VerifierId:    notification.VerifierId,
		SatsFeeAmount: notification.SatsFeeAmount,
	}
	switch notification.Status {
	case ports.NotifyStatusConfirmed:
		request.Status.Confirmed = &struct{}{}
	case ports.NotifyStatusPending:
		request.Status.Pending = &struct{}{}
	case ports.NotifyStatusFailed:
		request.Status.Failed = &failedStatus{
			Reason: notification.Reason,
			Detail: notification.Detail,
		}
	default:
		return nil, fmt.Errorf("invalid notification status %s", notification.Status)
	}
	return request, nil
}

func (c *client) post(ctx context.Context, path string, request *notifyRequest) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to serialize notification: %w", err)
	}

	digest := sha256.Sum256(payload)
	signature, err := schnorr.Sign(c.identityKey, digest[:])
	if err != nil {
		return fmt.Errorf("failed to sign notification: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, c.baseUrl+path, bytes.NewReader(payload),
		)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(VerifierIdHeader, request.VerifierId)
		req.Header.Set(SignatureHeader, hex.EncodeToString(signature.Serialize()))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("gateway replied %d: %s", resp.StatusCode, string(body))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(
				fmt.Errorf("gateway replied %d: %s", resp.StatusCode, string(body)),
			)
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx,
	))
}
