package btcrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// feeEstimateTarget is the confirmation target passed to estimatesmartfee.
const feeEstimateTarget = 2

type Config struct {
	RpcHost string
	RpcUser string
	RpcPass string
	// FeeRateFloor is the sats/vbyte returned when the node cannot provide
	// an estimate, typically on regtest.
	FeeRateFloor uint64
}

type service struct {
	client       *rpcclient.Client
	feeRateFloor uint64
}

func NewBitcoinNode(config Config) (ports.BitcoinNode, error) {
	if len(config.RpcHost) <= 0 {
		return nil, fmt.Errorf("missing bitcoind rpc host")
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                 config.RpcHost,
		User:                 config.RpcUser,
		Pass:                 config.RpcPass,
		DisableAutoReconnect: false,
		DisableConnectOnNew:  true,
		DisableTLS:           true,
		HTTPPostMode:         true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bitcoind rpc client: %w", err)
	}

	if _, err := client.GetBlockCount(); err != nil {
		return nil, fmt.Errorf("failed to connect to bitcoind at %s: %w", config.RpcHost, err)
	}

	return &service{client, config.FeeRateFloor}, nil
}

func (s *service) BroadcastTransaction(
	ctx context.Context, txHex string,
) (string, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return "", fmt.Errorf("invalid transaction hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("failed to deserialize transaction: %w", err)
	}

	hash, err := s.client.SendRawTransaction(&tx, false)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	return hash.String(), nil
}

func (s *service) GetOutpoint(
	ctx context.Context, outpoint domain.Outpoint,
) (*ports.OutpointInfo, error) {
	hash, err := chainhash.NewHashFromStr(outpoint.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %w", outpoint.Txid, err)
	}

	res, err := s.client.GetTxOut(hash, outpoint.VOut, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get outpoint %s: %w", outpoint, err)
	}
	if res == nil {
		// unknown or already spent
		return nil, nil
	}

	pkScript, err := hex.DecodeString(res.ScriptPubKey.Hex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script of outpoint %s: %w", outpoint, err)
	}
	value, err := btcutil.NewAmount(res.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse value of outpoint %s: %w", outpoint, err)
	}

	confirmations := uint64(0)
	if res.Confirmations > 0 {
		confirmations = uint64(res.Confirmations)
	}

	return &ports.OutpointInfo{
		PkScript:      pkScript,
		Value:         int64(value),
		Confirmations: confirmations,
	}, nil
}

func (s *service) GetTransactionConfirmations(
	ctx context.Context, txid string,
) (uint64, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return 0, fmt.Errorf("invalid txid %s: %w", txid, err)
	}

	res, err := s.client.GetRawTransactionVerbose(hash)
	if err != nil {
		return 0, fmt.Errorf("failed to get transaction %s: %w", txid, err)
	}
	return res.Confirmations, nil
}

func (s *service) GetBlockHeight(ctx context.Context) (uint64, error) {
	count, err := s.client.GetBlockCount()
	if err != nil {
		return 0, fmt.Errorf("failed to get block height: %w", err)
	}
	return uint64(count), nil
}

func (s *service) EstimateFeeRate(ctx context.Context) (uint64, error) {
	mode := btcjson.EstimateModeEconomical
	res, err := s.client.EstimateSmartFee(feeEstimateTarget, &mode)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate fee rate: %w", err)
	}
	if res.FeeRate == nil || *res.FeeRate <= 0 {
		return s.feeRateFloor, nil
	}

	// estimatesmartfee returns BTC/kvB
	perKvb, err := btcutil.NewAmount(*res.FeeRate)
	if err != nil {
		return s.feeRateFloor, nil
	}
	perVb := uint64(perKvb) / 1000
	if perVb < s.feeRateFloor {
		return s.feeRateFloor, nil
	}
	return perVb, nil
}

func (s *service) Close() {
	s.client.Shutdown()
}
