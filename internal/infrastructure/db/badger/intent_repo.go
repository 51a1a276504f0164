package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const intentStoreDir = "intents"

type intentRepository struct {
	store *badgerhold.Store
}

func NewIntentRepository(config ...interface{}) (ports.IntentRepository, error) {
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
		dir = filepath.Join(baseDir, intentStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent store: %s", err)
	}

	return &intentRepository{store}, nil
}

func (r *intentRepository) UpsertIntent(
	ctx context.Context, intent ports.SigningIntent,
) error {
	upsertFn := func() error {
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			return r.store.TxUpsert(tx, intent.DepositId, intent)
		}
		return r.store.Upsert(intent.DepositId, intent)
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

func (r *intentRepository) GetIntentWithDepositId(
	ctx context.Context, depositId string,
) (*ports.SigningIntent, error) {
	intent := ports.SigningIntent{}
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxGet(tx, depositId, &intent)
	} else {
		err = r.store.Get(depositId, &intent)
	}
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &intent, nil
}

func (r *intentRepository) GetIntentWithShareId(
	ctx context.Context, shareId string,
) (*ports.SigningIntent, error) {
	query := badgerhold.Where("ShareId").Eq(shareId)
	intents, err := r.findIntents(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(intents) <= 0 {
		return nil, nil
	}
	return &intents[0], nil
}

func (r *intentRepository) GetAllIntents(ctx context.Context) ([]ports.SigningIntent, error) {
	return r.findIntents(ctx, &badgerhold.Query{})
}

func (r *intentRepository) DeleteIntent(ctx context.Context, depositId string) error {
	err := r.store.Delete(depositId, ports.SigningIntent{})
	if err != nil && err != badgerhold.ErrNotFound {
		return err
	}
	return nil
}

func (r *intentRepository) Close() {
	r.store.Close()
}

func (r *intentRepository) findIntents(
	ctx context.Context, query *badgerhold.Query,
) ([]ports.SigningIntent, error) {
	intents := make([]ports.SigningIntent, 0)
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxFind(tx, &intents, query)
	} else {
		err = r.store.Find(&intents, query)
	}
	if err != nil {
		return nil, err
	}
	return intents, nil
}
