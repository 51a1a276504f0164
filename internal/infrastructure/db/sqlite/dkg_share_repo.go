package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

const (
	insertShareQuery = `
		INSERT INTO dkg_share (
			id, group_public_key, public_shares, encrypted_secret, signer_index,
			threshold, total, status, role, user_uuid, rune_id, created_at,
			bound_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	selectShareQuery = `
		SELECT id, group_public_key, public_shares, encrypted_secret,
			signer_index, threshold, total, status, role, user_uuid, rune_id,
			created_at, bound_at
		FROM dkg_share
	`
	bindShareQuery = `
		UPDATE dkg_share
		SET status = ?, role = ?, user_uuid = ?, rune_id = ?, bound_at = ?
		WHERE id = ? AND status = ?
	`
)

type dkgShareRepository struct {
	db *sql.DB
}

func NewDkgShareRepository(config ...interface{}) (domain.DkgShareRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open dkg share repository: invalid config, expected db at 0")
	}

	return &dkgShareRepository{db}, nil
}

func (r *dkgShareRepository) AddShares(
	ctx context.Context, shares []domain.DkgShare,
) error {
	txBody := func(tx *sql.Tx) error {
		for _, share := range shares {
			if _, err := tx.ExecContext(
				ctx, insertShareQuery,
				share.Id, share.GroupPublicKey, share.PublicShares,
				share.EncryptedSecret, int64(share.SignerIndex),
				int64(share.Threshold), int64(share.Total), int64(share.Status),
				string(share.Role), share.UserUUID, share.RuneId,
				share.CreatedAt, share.BoundAt,
			); err != nil {
				return err
			}
		}
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return fmt.Errorf("failed to add shares: %w", err)
	}
	return nil
}

func (r *dkgShareRepository) GetShareWithId(
	ctx context.Context, id string,
) (*domain.DkgShare, error) {
	row := r.db.QueryRowContext(ctx, selectShareQuery+" WHERE id = ?", id)
	return rowToShare(row)
}

func (r *dkgShareRepository) GetShareWithGroupKey(
	ctx context.Context, groupPublicKey string,
) (*domain.DkgShare, error) {
	row := r.db.QueryRowContext(
		ctx, selectShareQuery+" WHERE group_public_key = ?", groupPublicKey,
	)
	return rowToShare(row)
}

func (r *dkgShareRepository) BindNextShare(
	ctx context.Context, userUUID, runeId string, role domain.ShareRole,
) (*domain.DkgShare, error) {
	var bound *domain.DkgShare
	txBody := func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			selectShareQuery+" WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1",
			int64(domain.ShareUnassigned),
		)
		share, err := rowToShare(row)
		if err != nil {
			return err
		}
		if share == nil {
			return domain.ErrNoUnassignedShares
		}

		if err := share.Bind(userUUID, runeId, role); err != nil {
			return err
		}

		res, err := tx.ExecContext(
			ctx, bindShareQuery,
			int64(share.Status), string(share.Role), share.UserUUID,
			share.RuneId, share.BoundAt, share.Id, int64(domain.ShareUnassigned),
		)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count != 1 {
			return fmt.Errorf("share %s was bound concurrently", share.Id)
		}

		bound = share
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		if errors.Is(err, domain.ErrNoUnassignedShares) {
			return nil, domain.ErrNoUnassignedShares
		}
		return nil, fmt.Errorf("failed to bind share: %w", err)
	}
	return bound, nil
}

func (r *dkgShareRepository) GetIssuerShareForRune(
	ctx context.Context, runeId string,
) (*domain.DkgShare, error) {
	row := r.db.QueryRowContext(
		ctx,
		selectShareQuery+" WHERE role = ? AND rune_id = ? AND status = ?",
		string(domain.ShareRoleIssuer), runeId, int64(domain.ShareBound),
	)
	return rowToShare(row)
}

func (r *dkgShareRepository) CountUnassignedShares(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(
		ctx, "SELECT COUNT(*) FROM dkg_share WHERE status = ?",
		int64(domain.ShareUnassigned),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unassigned shares: %w", err)
	}
	return count, nil
}

func (r *dkgShareRepository) Close() {
	_ = r.db.Close()
}

func rowToShare(row rowScanner) (*domain.DkgShare, error) {
	var share domain.DkgShare
	var signerIndex, threshold, total, status int64
	var role string

	err := row.Scan(
		&share.Id, &share.GroupPublicKey, &share.PublicShares,
		&share.EncryptedSecret, &signerIndex, &threshold, &total, &status,
		&role, &share.UserUUID, &share.RuneId, &share.CreatedAt, &share.BoundAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan dkg share: %w", err)
	}

	share.SignerIndex = uint32(signerIndex)
	share.Threshold = uint32(threshold)
	share.Total = uint32(total)
	share.Status = domain.ShareStatus(status)
	share.Role = domain.ShareRole(role)
	return &share, nil
}
