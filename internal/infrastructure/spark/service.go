package sparkrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/spark"
	"github.com/cenkalti/backoff/v4"
)

const (
	requestTimeout = 15 * time.Second
	maxRetries     = 3
)

var errNotFound = errors.New("not found")

type broadcastRequest struct {
	TokenTransaction *spark.TokenTransaction `json:"token_transaction"`
	OwnerSignature   string                  `json:"owner_signature"`
}

type broadcastResponse struct {
	Hash string `json:"hash"`
}

type transactionEntry struct {
	Hash      string `json:"hash"`
	Finalized bool   `json:"finalized"`
}

type leafEntry struct {
	ParentHash      string `json:"parent_hash"`
	ParentIndex     uint32 `json:"parent_index"`
	OwnerPublicKey  string `json:"owner_public_key"`
	TokenIdentifier string `json:"token_identifier"`
	Amount          uint64 `json:"amount"`
}

type leavesResponse struct {
	Outputs []leafEntry `json:"outputs"`
}

type balanceResponse struct {
	Balance uint64 `json:"balance"`
}

type service struct {
	baseUrl string
	client  *http.Client
}

func NewService(baseUrl string) (ports.SparkClient, error) {
	parsed, err := url.Parse(baseUrl)
	if err != nil || len(parsed.Scheme) <= 0 || len(parsed.Host) <= 0 {
		return nil, fmt.Errorf("invalid spark url %s", baseUrl)
	}

	return &service{
		baseUrl: baseUrl,
		client:  &http.Client{Timeout: requestTimeout},
	}, nil
}

func (s *service) BroadcastTokenTransaction(
	ctx context.Context, tx *spark.TokenTransaction, ownerSignature []byte,
) (string, error) {
	payload, err := json.Marshal(broadcastRequest{
		TokenTransaction: tx,
		OwnerSignature:   hex.EncodeToString(ownerSignature),
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize token transaction: %w", err)
	}

	resp := broadcastResponse{}
	if err := s.do(
		ctx, http.MethodPost, "/api/token/broadcast", payload, &resp,
	); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

func (s *service) GetTokenTransaction(
	ctx context.Context, txHash string,
) (*ports.TokenTxInfo, error) {
	entry := transactionEntry{}
	if err := s.do(
		ctx, http.MethodGet, fmt.Sprintf("/api/token/transactions/%s", txHash),
		nil, &entry,
	); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("token transaction %s not found", txHash)
		}
		return nil, err
	}

	return &ports.TokenTxInfo{
		Hash:      entry.Hash,
		Finalized: entry.Finalized,
	}, nil
}

func (s *service) ListTokenLeaves(
	ctx context.Context, ownerPublicKey, tokenIdentifier string,
) ([]ports.TokenLeaf, error) {
	query := url.Values{}
	query.Set("owner_public_key", ownerPublicKey)
	query.Set("token_identifier", tokenIdentifier)

	resp := leavesResponse{}
	if err := s.do(
		ctx, http.MethodGet, "/api/token/outputs?"+query.Encode(), nil, &resp,
	); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}

	leaves := make([]ports.TokenLeaf, 0, len(resp.Outputs))
	for _, entry := range resp.Outputs {
		leaves = append(leaves, ports.TokenLeaf{
			ParentHash:      entry.ParentHash,
			ParentIndex:     entry.ParentIndex,
			OwnerPublicKey:  entry.OwnerPublicKey,
			TokenIdentifier: entry.TokenIdentifier,
			Amount:          entry.Amount,
		})
	}
	return leaves, nil
}

func (s *service) GetTokenBalance(
	ctx context.Context, ownerPublicKey, tokenIdentifier string,
) (uint64, error) {
	query := url.Values{}
	query.Set("owner_public_key", ownerPublicKey)
	query.Set("token_identifier", tokenIdentifier)

	resp := balanceResponse{}
	if err := s.do(
		ctx, http.MethodGet, "/api/token/balance?"+query.Encode(), nil, &resp,
	); err != nil {
		if errors.Is(err, errNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return resp.Balance, nil
}

func (s *service) Close() {
	s.client.CloseIdleConnections()
}

// do retries transport failures and 5xx replies with exponential backoff,
// anything else is returned as-is.
func (s *service) do(
	ctx context.Context, method, path string, payload []byte, dest interface{},
) error {
	op := func() error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseUrl+path, reqBody)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(errNotFound)
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("spark operator replied %d: %s", resp.StatusCode, string(body))
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(
				fmt.Errorf("spark operator replied %d: %s", resp.StatusCode, string(body)),
			)
		}

		if err := json.Unmarshal(body, dest); err != nil {
			return backoff.Permanent(
				fmt.Errorf("failed to parse spark response: %w", err),
			)
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx,
	))
}
