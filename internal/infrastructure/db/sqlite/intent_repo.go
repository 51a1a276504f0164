package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
)

const (
	upsertIntentQuery = `
		INSERT INTO intent (
			deposit_id, user_public_key, rune_id, amount, chain,
			receiver_address, deposit_address, share_id, group_public_key,
			issuer_public_key, txid, vout, exit_address
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deposit_id) DO UPDATE SET
			user_public_key = excluded.user_public_key,
			rune_id = excluded.rune_id,
			amount = excluded.amount,
			chain = excluded.chain,
			receiver_address = excluded.receiver_address,
			deposit_address = excluded.deposit_address,
			share_id = excluded.share_id,
			group_public_key = excluded.group_public_key,
			issuer_public_key = excluded.issuer_public_key,
			txid = excluded.txid,
			vout = excluded.vout,
			exit_address = excluded.exit_address
	`
	selectIntentQuery = `
		SELECT deposit_id, user_public_key, rune_id, amount, chain,
			receiver_address, deposit_address, share_id, group_public_key,
			issuer_public_key, txid, vout, exit_address
		FROM intent
	`
)

type intentRepository struct {
	db *sql.DB
}

func NewIntentRepository(config ...interface{}) (ports.IntentRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open intent repository: invalid config, expected db at 0")
	}

	return &intentRepository{db}, nil
}

func (r *intentRepository) UpsertIntent(
	ctx context.Context, intent ports.SigningIntent,
) error {
	var txid sql.NullString
	var vout sql.NullInt64
	if intent.Outpoint != nil {
		txid = sql.NullString{String: intent.Outpoint.Txid, Valid: true}
		vout = sql.NullInt64{Int64: int64(intent.Outpoint.VOut), Valid: true}
	}

	_, err := r.db.ExecContext(
		ctx, upsertIntentQuery,
		intent.DepositId, intent.UserPublicKey, intent.RuneId,
		int64(intent.Amount), string(intent.Chain), intent.ReceiverAddress,
		intent.DepositAddress, intent.ShareId, intent.GroupPublicKey,
		intent.IssuerPublicKey, txid, vout, intent.ExitAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert intent: %w", err)
	}
	return nil
}

func (r *intentRepository) GetIntentWithDepositId(
	ctx context.Context, depositId string,
) (*ports.SigningIntent, error) {
	row := r.db.QueryRowContext(ctx, selectIntentQuery+" WHERE deposit_id = ?", depositId)
	return rowToIntent(row)
}

func (r *intentRepository) GetIntentWithShareId(
	ctx context.Context, shareId string,
) (*ports.SigningIntent, error) {
	row := r.db.QueryRowContext(ctx, selectIntentQuery+" WHERE share_id = ?", shareId)
	return rowToIntent(row)
}

func (r *intentRepository) GetAllIntents(ctx context.Context) ([]ports.SigningIntent, error) {
	rows, err := r.db.QueryContext(ctx, selectIntentQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	intents := make([]ports.SigningIntent, 0)
	for rows.Next() {
		intent, err := rowToIntent(rows)
		if err != nil {
			return nil, err
		}
		if intent != nil {
			intents = append(intents, *intent)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return intents, nil
}

func (r *intentRepository) DeleteIntent(ctx context.Context, depositId string) error {
	if _, err := r.db.ExecContext(
		ctx, "DELETE FROM intent WHERE deposit_id = ?", depositId,
	); err != nil {
		return fmt.Errorf("failed to delete intent: %w", err)
	}
	return nil
}

func (r *intentRepository) Close() {
	_ = r.db.Close()
}

func rowToIntent(row rowScanner) (*ports.SigningIntent, error) {
	var intent ports.SigningIntent
	var amount int64
	var chain string
	var txid sql.NullString
	var vout sql.NullInt64

	err := row.Scan(
		&intent.DepositId, &intent.UserPublicKey, &intent.RuneId, &amount,
		&chain, &intent.ReceiverAddress, &intent.DepositAddress,
		&intent.ShareId, &intent.GroupPublicKey, &intent.IssuerPublicKey,
		&txid, &vout, &intent.ExitAddress,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan intent: %w", err)
	}

	intent.Amount = uint64(amount)
	intent.Chain = domain.Chain(chain)
	if txid.Valid {
		intent.Outpoint = &domain.Outpoint{
			Txid: txid.String, VOut: uint32(vout.Int64),
		}
	}
	return &intent, nil
}
