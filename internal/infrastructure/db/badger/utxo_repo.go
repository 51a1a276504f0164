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

const utxoStoreDir = "utxos"

type utxoRepository struct {
	store *badgerhold.Store
}

func NewUtxoRepository(config ...interface{}) (domain.UtxoRepository, error) {
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
		dir = filepath.Join(baseDir, utxoStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open utxo store: %s", err)
	}

	return &utxoRepository{store}, nil
}

func (r *utxoRepository) AddUtxos(ctx context.Context, utxos []domain.Utxo) error {
	for _, utxo := range utxos {
		var err error
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			err = r.store.TxInsert(tx, utxo.Outpoint.String(), utxo)
		} else {
			err = r.store.Insert(utxo.Outpoint.String(), utxo)
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

func (r *utxoRepository) ConfirmUtxos(ctx context.Context, keys []domain.Outpoint) error {
	return r.updateUtxos(keys, func(utxo *domain.Utxo) error {
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
	return r.updateUtxos(keys, func(utxo *domain.Utxo) error {
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
	return r.updateUtxos(keys, func(utxo *domain.Utxo) error {
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
	return r.updateUtxos(keys, func(utxo *domain.Utxo) error {
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
		utxo := domain.Utxo{}
		var err error
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			err = r.store.TxGet(tx, key.String(), &utxo)
		} else {
			err = r.store.Get(key.String(), &utxo)
		}
		if err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return nil, err
		}
		utxos = append(utxos, utxo)
	}
	return utxos, nil
}

func (r *utxoRepository) GetSpendableUtxos(
	ctx context.Context, runeId string,
) ([]domain.Utxo, error) {
	query := badgerhold.Where("RuneId").Eq(runeId).
		And("Status").Eq(domain.UtxoConfirmed)
	return r.findUtxos(ctx, query)
}

func (r *utxoRepository) GetLockedUtxos(
	ctx context.Context, requestId string,
) ([]domain.Utxo, error) {
	query := badgerhold.Where("LockedBy").Eq(requestId).
		And("Status").Eq(domain.UtxoLocked)
	return r.findUtxos(ctx, query)
}

func (r *utxoRepository) GetAllUtxos(ctx context.Context) ([]domain.Utxo, error) {
	return r.findUtxos(ctx, &badgerhold.Query{})
}

func (r *utxoRepository) Close() {
	r.store.Close()
}

// updateUtxos applies the mutation to every key inside one badger
// transaction, so a lock either reserves the whole input set or nothing.
func (r *utxoRepository) updateUtxos(
	keys []domain.Outpoint, apply func(utxo *domain.Utxo) error,
) error {
	var err error
	for attempts := 0; attempts < maxRetries; attempts++ {
		err = func() error {
			tx := r.store.Badger().NewTransaction(true)
			defer tx.Discard()

			for _, key := range keys {
				utxo := domain.Utxo{}
				if err := r.store.TxGet(tx, key.String(), &utxo); err != nil {
					if err == badgerhold.ErrNotFound {
						return fmt.Errorf("utxo %s not found", key)
					}
					return err
				}
				if err := apply(&utxo); err != nil {
					return err
				}
				if err := r.store.TxUpdate(tx, key.String(), utxo); err != nil {
					return err
				}
			}
			return tx.Commit()
		}()
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

func (r *utxoRepository) findUtxos(
	ctx context.Context, query *badgerhold.Query,
) ([]domain.Utxo, error) {
	utxos := make([]domain.Utxo, 0)
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxFind(tx, &utxos, query)
	} else {
		err = r.store.Find(&utxos, query)
	}
	if err != nil {
		return nil, err
	}
	return utxos, nil
}
