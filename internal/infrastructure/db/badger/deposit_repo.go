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

const depositStoreDir = "deposits"

type depositRepository struct {
	store *badgerhold.Store
}

func NewDepositRepository(config ...interface{}) (domain.DepositRepository, error) {
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
		dir = filepath.Join(baseDir, depositStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open deposit store: %s", err)
	}

	return &depositRepository{store}, nil
}

func (r *depositRepository) AddOrUpdateDeposit(
	ctx context.Context, deposit domain.Deposit,
) error {
	upsertFn := func() error {
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			return r.store.TxUpsert(tx, deposit.Id, deposit)
		}
		return r.store.Upsert(deposit.Id, deposit)
	}

	var err error
	for attempts := 0; attempts < maxRetries; attempts++ {
		if err = upsertFn(); err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

func (r *depositRepository) GetDepositWithId(
	ctx context.Context, id string,
) (*domain.Deposit, error) {
	deposit := domain.Deposit{}
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxGet(tx, id, &deposit)
	} else {
		err = r.store.Get(id, &deposit)
	}
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &deposit, nil
}

func (r *depositRepository) GetDepositWithAddress(
	ctx context.Context, address string,
) (*domain.Deposit, error) {
	query := badgerhold.Where("DepositAddress").Eq(address)
	deposits, err := r.findDeposits(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(deposits) <= 0 {
		return nil, nil
	}
	return &deposits[0], nil
}

func (r *depositRepository) GetDepositWithTxid(
	ctx context.Context, txid string,
) (*domain.Deposit, error) {
	deposits, err := r.findDeposits(ctx, &badgerhold.Query{})
	if err != nil {
		return nil, err
	}
	for i := range deposits {
		deposit := deposits[i]
		if deposit.Outpoint != nil && deposit.Outpoint.Txid == txid {
			return &deposit, nil
		}
		if deposit.SettlementTxid == txid || deposit.SpentByTxid == txid {
			return &deposit, nil
		}
	}
	return nil, nil
}

func (r *depositRepository) GetDepositsWithUserKey(
	ctx context.Context, userPublicKey string,
) ([]domain.Deposit, error) {
	query := badgerhold.Where("UserPublicKey").Eq(userPublicKey)
	return r.findDeposits(ctx, query)
}

func (r *depositRepository) GetDepositsWithStatus(
	ctx context.Context, status domain.DepositStatus,
) ([]domain.Deposit, error) {
	query := badgerhold.Where("Status").Eq(status)
	return r.findDeposits(ctx, query)
}

func (r *depositRepository) Close() {
	r.store.Close()
}

func (r *depositRepository) findDeposits(
	ctx context.Context, query *badgerhold.Query,
) ([]domain.Deposit, error) {
	deposits := make([]domain.Deposit, 0)
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxFind(tx, &deposits, query)
	} else {
		err = r.store.Find(&deposits, query)
	}
	if err != nil {
		return nil, err
	}
	return deposits, nil
}
