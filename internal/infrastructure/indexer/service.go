package runeindexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/cenkalti/backoff/v4"
)

const (
	requestTimeout = 15 * time.Second
	maxRetries     = 3
)

var errNotFound = errors.New("not found")

type runeEntry struct {
	RuneId       string `json:"rune_id"`
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	Divisibility uint8  `json:"divisibility"`
	Supply       string `json:"supply"`
}

type outputEntry struct {
	Txid          string `json:"txid"`
	VOut          uint32 `json:"vout"`
	Address       string `json:"address"`
	RuneId        string `json:"rune_id"`
	RuneAmount    uint64 `json:"rune_amount"`
	Sats          uint64 `json:"sats"`
	Confirmations uint64 `json:"confirmations"`
}

type service struct {
	baseUrl string
	apiKey  string
	client  *http.Client
}

func NewService(baseUrl, apiKey string) (ports.RuneIndexer, error) {
	parsed, err := url.Parse(baseUrl)
	if err != nil || len(parsed.Scheme) <= 0 || len(parsed.Host) <= 0 {
		return nil, fmt.Errorf("invalid indexer url %s", baseUrl)
	}

	return &service{
		baseUrl: baseUrl,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: requestTimeout},
	}, nil
}

func (s *service) GetRuneInfo(
	ctx context.Context, runeId string,
) (*ports.RuneInfo, error) {
	entry := runeEntry{}
	if err := s.get(ctx, fmt.Sprintf("/api/rune/%s", runeId), &entry); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("rune %s not found by indexer", runeId)
		}
		return nil, err
	}

	return &ports.RuneInfo{
		RuneId:       entry.RuneId,
		Name:         entry.Name,
		Symbol:       entry.Symbol,
		Divisibility: entry.Divisibility,
		Supply:       entry.Supply,
	}, nil
}

func (s *service) GetOutpoint(
	ctx context.Context, outpoint domain.Outpoint,
) (*ports.RuneOutpoint, error) {
	entry := outputEntry{}
	if err := s.get(ctx, fmt.Sprintf("/api/output/%s", outpoint), &entry); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	converted := toRuneOutpoint(entry)
	return &converted, nil
}

func (s *service) GetAddressOutpoints(
	ctx context.Context, address string,
) ([]ports.RuneOutpoint, error) {
	entries := make([]outputEntry, 0)
	if err := s.get(
		ctx, fmt.Sprintf("/api/address/%s/outputs", address), &entries,
	); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}

	outpoints := make([]ports.RuneOutpoint, 0, len(entries))
	for _, entry := range entries {
		outpoints = append(outpoints, toRuneOutpoint(entry))
	}
	return outpoints, nil
}

func (s *service) Close() {
	s.client.CloseIdleConnections()
}

// get retries transport failures and 5xx replies with exponential backoff,
// anything else is returned as-is.
func (s *service) get(ctx context.Context, path string, dest interface{}) error {
	op := func() error {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodGet, s.baseUrl+path, nil,
		)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(s.apiKey) > 0 {
			req.Header.Set("X-Api-Key", s.apiKey)
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
			return fmt.Errorf("indexer replied %d: %s", resp.StatusCode, string(body))
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(
				fmt.Errorf("indexer replied %d: %s", resp.StatusCode, string(body)),
			)
		}

		if err := json.Unmarshal(body, dest); err != nil {
			return backoff.Permanent(
				fmt.Errorf("failed to parse indexer response: %w", err),
			)
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx,
	))
}

func toRuneOutpoint(entry outputEntry) ports.RuneOutpoint {
	return ports.RuneOutpoint{
		Outpoint: domain.Outpoint{
			Txid: entry.Txid,
			VOut: entry.VOut,
		},
		Address:       entry.Address,
		RuneId:        entry.RuneId,
		RuneAmount:    entry.RuneAmount,
		Sats:          entry.Sats,
		Confirmations: entry.Confirmations,
	}
}
