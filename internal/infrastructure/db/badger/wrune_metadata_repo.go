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

const metadataStoreDir = "wrune-metadata"

type wruneMetadataRepository struct {
	store *badgerhold.Store
}

func NewWruneMetadataRepository(config ...interface{}) (domain.WruneMetadataRepository, error) {
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
		dir = filepath.Join(baseDir, metadataStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open wrune metadata store: %s", err)
	}

	return &wruneMetadataRepository{store}, nil
}

func (r *wruneMetadataRepository) UpsertMetadata(
	ctx context.Context, metadata domain.WruneMetadata,
) error {
	upsertFn := func() error {
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			return r.store.TxUpsert(tx, metadata.RuneId, metadata)
		}
		return r.store.Upsert(metadata.RuneId, metadata)
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

func (r *wruneMetadataRepository) GetMetadataWithRuneId(
	ctx context.Context, runeId string,
) (*domain.WruneMetadata, error) {
	metadata := domain.WruneMetadata{}
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxGet(tx, runeId, &metadata)
	} else {
		err = r.store.Get(runeId, &metadata)
	}
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &metadata, nil
}

func (r *wruneMetadataRepository) GetAllMetadata(
	ctx context.Context,
) ([]domain.WruneMetadata, error) {
	metadata := make([]domain.WruneMetadata, 0)
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxFind(tx, &metadata, &badgerhold.Query{})
	} else {
		err = r.store.Find(&metadata, &badgerhold.Query{})
	}
	if err != nil {
		return nil, err
	}
	return metadata, nil
}

func (r *wruneMetadataRepository) Close() {
	r.store.Close()
}
