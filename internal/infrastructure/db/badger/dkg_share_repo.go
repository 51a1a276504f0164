package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const shareStoreDir = "dkg-shares"

type dkgShareRepository struct {
	store *badgerhold.Store
}

func NewDkgShareRepository(config ...interface{}) (domain.DkgShareRepository, error) {
	if len(config) != 2 {
		return nil, fmt.Errorf("invalid config")
	}
	baseDir, ok := config[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid base directory")
	}
	var logger badger.Logger
	if config[1] != nil {
		logger, ok = config[1].(badger.Logger)
		if !ok {
			return nil, fmt.Errorf("invalid logger")
		}
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, shareStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open dkg share store: %s", err)
	}

	return &dkgShareRepository{store}, nil
}

func (r *dkgShareRepository) AddShares(
	ctx context.Context, shares []domain.DkgShare,
) error {
	for _, share := range shares {
		var err error
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			err = r.store.TxInsert(tx, share.Id, share)
		} else {
			err = r.store.Insert(share.Id, share)
		}
		if err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				continue
			}
			return err
		}
	}
	return nil
}

func (r *dkgShareRepository) GetShareWithId(
	ctx context.Context, id string,
) (*domain.DkgShare, error) {
	share := domain.DkgShare{}
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxGet(tx, id, &share)
	} else {
		err = r.store.Get(id, &share)
	}
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &share, nil
}

func (r *dkgShareRepository) GetShareWithGroupKey(
	ctx context.Context, groupPublicKey string,
) (*domain.DkgShare, error) {
	query := badgerhold.Where("GroupPublicKey").Eq(groupPublicKey)
	shares, err := r.findShares(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(shares) <= 0 {
		return nil, nil
	}
	return &shares[0], nil
}

// BindNextShare draws the oldest unassigned share inside a single badger
// transaction: two concurrent draws conflict and one of them retries on a
// fresh snapshot, so a share is never handed out twice.
func (r *dkgShareRepository) BindNextShare(
	ctx context.Context, userUUID, runeId string, role domain.ShareRole,
) (*domain.DkgShare, error) {
	var share *domain.DkgShare
	var err error
	for attempts := 0; attempts < maxRetries; attempts++ {
		share, err = r.bindNextShare(userUUID, runeId, role)
		if err == nil {
			return share, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, err
}

func (r *dkgShareRepository) GetIssuerShareForRune(
	ctx context.Context, runeId string,
) (*domain.DkgShare, error) {
	query := badgerhold.Where("Role").Eq(domain.ShareRoleIssuer).
		And("RuneId").Eq(runeId).
		And("Status").Eq(domain.ShareBound)
	shares, err := r.findShares(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(shares) <= 0 {
		return nil, nil
	}
	return &shares[0], nil
}

func (r *dkgShareRepository) CountUnassignedShares(ctx context.Context) (int, error) {
	query := badgerhold.Where("Status").Eq(domain.ShareUnassigned)
	count, err := r.store.Count(&domain.DkgShare{}, query)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *dkgShareRepository) Close() {
	r.store.Close()
}

func (r *dkgShareRepository) bindNextShare(
	userUUID, runeId string, role domain.ShareRole,
) (*domain.DkgShare, error) {
	tx := r.store.Badger().NewTransaction(true)
	defer tx.Discard()

	shares := make([]domain.DkgShare, 0, 1)
	query := badgerhold.Where("Status").Eq(domain.ShareUnassigned).
		SortBy("CreatedAt").Limit(1)
	if err := r.store.TxFind(tx, &shares, query); err != nil {
		return nil, err
	}
	if len(shares) <= 0 {
		return nil, domain.ErrNoUnassignedShares
	}

	share := shares[0]
	if err := share.Bind(userUUID, runeId, role); err != nil {
		return nil, err
	}
	if err := r.store.TxUpdate(tx, share.Id, share); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &share, nil
}

func (r *dkgShareRepository) findShares(
	ctx context.Context, query *badgerhold.Query,
) ([]domain.DkgShare, error) {
	shares := make([]domain.DkgShare, 0)
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxFind(tx, &shares, query)
	} else {
		err = r.store.Find(&shares, query)
	}
	if err != nil {
		return nil, err
	}
	return shares, nil
}
