package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

const (
	insertUtxoQuery = `
		INSERT INTO utxo (
			txid, vout, address, rune_id, rune_amount, sats, status, deposit_id,
			locked_by, spent_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txid, vout) DO NOTHING
	`
	selectUtxoQuery = `
		SELECT txid, vout, address, rune_id, rune_amount, sats, status,
			deposit_id, locked_by, spent_by, created_at
		FROM utxo
	`
	updateUtxoQuery = `
		UPDATE utxo SET status = ?, locked_by = ?, spent_by = ?
		WHERE txid = ? AND vout = ?
	`
)

type utxoRepository struct {
	db *sql.DB
}

func NewUtxoRepository(config ...interface{}) (domain.UtxoRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open utxo repository: invalid config, expected db at 0")
	}

	return &utxoRepository{db}, nil
}

func (r *utxoRepository) AddUtxos(ctx context.Context, utxos []domain.Utxo) error {
	txBody := func(tx *sql.Tx) error {
		for _, utxo := range utxos {
			if _, err := tx.ExecContext(
				ctx, insertUtxoQuery,
				utxo.Txid, int64(utxo.VOut), utxo.Address, utxo.RuneId,
				int64(utxo.RuneAmount), int64(utxo.Sats), int64(utxo.Status),
				utxo.DepositId, utxo.LockedBy, utxo.SpentBy, utxo.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return fmt.Errorf("failed to add utxos: %w", err)
	}
	return nil
}

func (r *utxoRepository) ConfirmUtxos(ctx context.Context, keys []domain.Outpoint) error {
	return r.updateUtxos(ctx, keys, func(utxo *domain.Utxo) error {
		if utxo.Status == domain.UtxoSpent {
			return fmt.Errorf("utxo %s is already spent", utxo.Outpoint)
		}
		utxo.Status = domain.UtxoConfirmed
		return nil
	})
}

func (r *utxoRepository) LockUtxos(
	ctx context.Context, keys []domain.Outpoint, requestId string,
) error {
	return r.updateUtxos(ctx, keys, func(utxo *domain.Utxo) error {
		if utxo.Status == domain.UtxoLocked && utxo.LockedBy == requestId {
			return nil
		}
		if !utxo.IsSpendable() {
			return fmt.Errorf("utxo %s is not spendable", utxo.Outpoint)
		}
		utxo.Status = domain.UtxoLocked
		utxo.LockedBy = requestId
		return nil
	})
}

func (r *utxoRepository) UnlockUtxos(ctx context.Context, keys []domain.Outpoint) error {
	return r.updateUtxos(ctx, keys, func(utxo *domain.Utxo) error {
		if utxo.Status != domain.UtxoLocked {
			return nil
		}
		utxo.Status = domain.UtxoConfirmed
		utxo.LockedBy = ""
		return nil
	})
}

func (r *utxoRepository) SpendUtxos(
	ctx context.Context, keys []domain.Outpoint, txid string,
) error {
	return r.updateUtxos(ctx, keys, func(utxo *domain.Utxo) error {
		utxo.Status = domain.UtxoSpent
		utxo.LockedBy = ""
		utxo.SpentBy = txid
		return nil
	})
}

func (r *utxoRepository) GetUtxos(
	ctx context.Context, keys []domain.Outpoint,
) ([]domain.Utxo, error) {
	utxos := make([]domain.Utxo, 0, len(keys))
	for _, key := range keys {
		row := r.db.QueryRowContext(
			ctx, selectUtxoQuery+" WHERE txid = ? AND vout = ?",
			key.Txid, int64(key.VOut),
		)
		utxo, err := rowToUtxo(row)
		if err != nil {
			return nil, err
		}
		if utxo != nil {
			utxos = append(utxos, *utxo)
		}
	}
	return utxos, nil
}

func (r *utxoRepository) GetSpendableUtxos(
	ctx context.Context, runeId string,
) ([]domain.Utxo, error) {
	return r.findUtxos(
		ctx, selectUtxoQuery+" WHERE rune_id = ? AND status = ?",
		runeId, int64(domain.UtxoConfirmed),
	)
}

func (r *utxoRepository) GetLockedUtxos(
	ctx context.Context, requestId string,
) ([]domain.Utxo, error) {
	return r.findUtxos(
		ctx, selectUtxoQuery+" WHERE locked_by = ? AND status = ?",
		requestId, int64(domain.UtxoLocked),
	)
}

func (r *utxoRepository) GetAllUtxos(ctx context.Context) ([]domain.Utxo, error) {
	return r.findUtxos(ctx, selectUtxoQuery)
}

func (r *utxoRepository) Close() {
	_ = r.db.Close()
}

// updateUtxos applies the mutation to every key inside one transaction, so a
// lock either reserves the whole input set or nothing.
func (r *utxoRepository) updateUtxos(
	ctx context.Context, keys []domain.Outpoint, apply func(utxo *domain.Utxo) error,
) error {
	txBody := func(tx *sql.Tx) error {
		for _, key := range keys {
			row := tx.QueryRowContext(
				ctx, selectUtxoQuery+" WHERE txid = ? AND vout = ?",
				key.Txid, int64(key.VOut),
			)
			utxo, err := rowToUtxo(row)
			if err != nil {
				return err
			}
			if utxo == nil {
				return fmt.Errorf("utxo %s not found", key)
			}
			if err := apply(utxo); err != nil {
				return err
			}
			if _, err := tx.ExecContext(
				ctx, updateUtxoQuery,
				int64(utxo.Status), utxo.LockedBy, utxo.SpentBy,
				key.Txid, int64(key.VOut),
			); err != nil {
				return err
			}
		}
		return nil
	}
	return execTx(ctx, r.db, txBody)
}

func (r *utxoRepository) findUtxos(
	ctx context.Context, query string, args ...interface{},
) ([]domain.Utxo, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query utxos: %w", err)
	}
	defer rows.Close()

	utxos := make([]domain.Utxo, 0)
	for rows.Next() {
		utxo, err := rowToUtxo(rows)
		if err != nil {
			return nil, err
		}
		if utxo != nil {
			utxos = append(utxos, *utxo)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return utxos, nil
}

func rowToUtxo(row rowScanner) (*domain.Utxo, error) {
	var utxo domain.Utxo
	var vout, runeAmount, sats, status int64

	err := row.Scan(
		&utxo.Txid, &vout, &utxo.Address, &utxo.RuneId, &runeAmount, &sats,
		&status, &utxo.DepositId, &utxo.LockedBy, &utxo.SpentBy, &utxo.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan utxo: %w", err)
	}

	utxo.VOut = uint32(vout)
	utxo.RuneAmount = uint64(runeAmount)
	utxo.Sats = uint64(sats)
	utxo.Status = domain.UtxoStatus(status)
	return &utxo, nil
}
