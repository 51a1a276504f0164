package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

const (
	upsertDepositQuery = `
		INSERT INTO deposit (
			id, user_public_key, rune_id, amount, chain, receiver_address,
			share_id, deposit_address, status, txid, vout, extra_outpoints,
			observed_amount, sats_amount, sats_fee_amount, confirmations,
			verifiers, settlement_txid, spent_by_txid, failure_reason,
			failure_detail, created_at, ended_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_public_key = excluded.user_public_key,
			rune_id = excluded.rune_id,
			amount = excluded.amount,
			chain = excluded.chain,
			receiver_address = excluded.receiver_address,
			share_id = excluded.share_id,
			deposit_address = excluded.deposit_address,
			status = excluded.status,
			txid = excluded.txid,
			vout = excluded.vout,
			extra_outpoints = excluded.extra_outpoints,
			observed_amount = excluded.observed_amount,
			sats_amount = excluded.sats_amount,
			sats_fee_amount = excluded.sats_fee_amount,
			confirmations = excluded.confirmations,
			verifiers = excluded.verifiers,
			settlement_txid = excluded.settlement_txid,
			spent_by_txid = excluded.spent_by_txid,
			failure_reason = excluded.failure_reason,
			failure_detail = excluded.failure_detail,
			created_at = excluded.created_at,
			ended_at = excluded.ended_at,
			version = excluded.version
	`
	selectDepositQuery = `
		SELECT id, user_public_key, rune_id, amount, chain, receiver_address,
			share_id, deposit_address, status, txid, vout, extra_outpoints,
			observed_amount, sats_amount, sats_fee_amount, confirmations,
			verifiers, settlement_txid, spent_by_txid, failure_reason,
			failure_detail, created_at, ended_at, version
		FROM deposit
	`
)

type depositRepository struct {
	db *sql.DB
}

func NewDepositRepository(config ...interface{}) (domain.DepositRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open deposit repository: invalid config, expected db at 0")
	}

	return &depositRepository{db}, nil
}

func (r *depositRepository) AddOrUpdateDeposit(
	ctx context.Context, deposit domain.Deposit,
) error {
	extraOutpoints, err := jsonText(deposit.ExtraOutpoints)
	if err != nil {
		return err
	}
	verifiers, err := jsonText(deposit.Verifiers)
	if err != nil {
		return err
	}

	var txid sql.NullString
	var vout sql.NullInt64
	if deposit.Outpoint != nil {
		txid = sql.NullString{String: deposit.Outpoint.Txid, Valid: true}
		vout = sql.NullInt64{Int64: int64(deposit.Outpoint.VOut), Valid: true}
	}

	_, err = r.db.ExecContext(
		ctx, upsertDepositQuery,
		deposit.Id, deposit.UserPublicKey, deposit.RuneId, int64(deposit.Amount),
		string(deposit.Chain), deposit.ReceiverAddress, deposit.ShareId,
		deposit.DepositAddress, int64(deposit.Status), txid, vout, extraOutpoints,
		int64(deposit.ObservedAmount), int64(deposit.SatsAmount),
		int64(deposit.SatsFeeAmount), int64(deposit.Confirmations), verifiers,
		deposit.SettlementTxid, deposit.SpentByTxid, deposit.FailureReason,
		deposit.FailureDetail, deposit.CreatedAt, deposit.EndedAt,
		int64(deposit.Version),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert deposit: %w", err)
	}
	return nil
}

func (r *depositRepository) GetDepositWithId(
	ctx context.Context, id string,
) (*domain.Deposit, error) {
	row := r.db.QueryRowContext(ctx, selectDepositQuery+" WHERE id = ?", id)
	return rowToDeposit(row)
}

func (r *depositRepository) GetDepositWithAddress(
	ctx context.Context, address string,
) (*domain.Deposit, error) {
	row := r.db.QueryRowContext(
		ctx, selectDepositQuery+" WHERE deposit_address = ?", address,
	)
	return rowToDeposit(row)
}

func (r *depositRepository) GetDepositWithTxid(
	ctx context.Context, txid string,
) (*domain.Deposit, error) {
	row := r.db.QueryRowContext(
		ctx,
		selectDepositQuery+" WHERE txid = ? OR settlement_txid = ? OR spent_by_txid = ?",
		txid, txid, txid,
	)
	return rowToDeposit(row)
}

func (r *depositRepository) GetDepositsWithUserKey(
	ctx context.Context, userPublicKey string,
) ([]domain.Deposit, error) {
	return r.findDeposits(
		ctx, selectDepositQuery+" WHERE user_public_key = ?", userPublicKey,
	)
}

func (r *depositRepository) GetDepositsWithStatus(
	ctx context.Context, status domain.DepositStatus,
) ([]domain.Deposit, error) {
	return r.findDeposits(
		ctx, selectDepositQuery+" WHERE status = ?", int64(status),
	)
}

func (r *depositRepository) Close() {
	_ = r.db.Close()
}

func (r *depositRepository) findDeposits(
	ctx context.Context, query string, args ...interface{},
) ([]domain.Deposit, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deposits: %w", err)
	}
	defer rows.Close()

	deposits := make([]domain.Deposit, 0)
	for rows.Next() {
		deposit, err := rowToDeposit(rows)
		if err != nil {
			return nil, err
		}
		if deposit != nil {
			deposits = append(deposits, *deposit)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deposits, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func rowToDeposit(row rowScanner) (*domain.Deposit, error) {
	var deposit domain.Deposit
	var amount, observedAmount, satsAmount, satsFeeAmount int64
	var confirmations, status, version int64
	var chain string
	var txid sql.NullString
	var vout sql.NullInt64
	var extraOutpoints, verifiers string

	err := row.Scan(
		&deposit.Id, &deposit.UserPublicKey, &deposit.RuneId, &amount, &chain,
		&deposit.ReceiverAddress, &deposit.ShareId, &deposit.DepositAddress,
		&status, &txid, &vout, &extraOutpoints, &observedAmount, &satsAmount,
		&satsFeeAmount, &confirmations, &verifiers, &deposit.SettlementTxid,
		&deposit.SpentByTxid, &deposit.FailureReason, &deposit.FailureDetail,
		&deposit.CreatedAt, &deposit.EndedAt, &version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan deposit: %w", err)
	}

	deposit.Amount = uint64(amount)
	deposit.Chain = domain.Chain(chain)
	deposit.Status = domain.DepositStatus(status)
	deposit.ObservedAmount = uint64(observedAmount)
	deposit.SatsAmount = uint64(satsAmount)
	deposit.SatsFeeAmount = uint64(satsFeeAmount)
	deposit.Confirmations = uint64(confirmations)
	deposit.Version = uint(version)
	if txid.Valid {
		deposit.Outpoint = &domain.Outpoint{
			Txid: txid.String, VOut: uint32(vout.Int64),
		}
	}
	if err := fromJsonText(extraOutpoints, &deposit.ExtraOutpoints); err != nil {
		return nil, fmt.Errorf("failed to parse extra outpoints: %w", err)
	}
	if err := fromJsonText(verifiers, &deposit.Verifiers); err != nil {
		return nil, fmt.Errorf("failed to parse verifier statuses: %w", err)
	}

	return &deposit, nil
}
