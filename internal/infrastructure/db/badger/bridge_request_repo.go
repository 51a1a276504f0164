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

const requestStoreDir = "bridge-requests"

type bridgeRequestRepository struct {
	store *badgerhold.Store
}

func NewBridgeRequestRepository(config ...interface{}) (domain.BridgeRequestRepository, error) {
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
		dir = filepath.Join(baseDir, requestStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge request store: %s", err)
	}

	return &bridgeRequestRepository{store}, nil
}

func (r *bridgeRequestRepository) AddRequest(
	ctx context.Context, request domain.BridgeRequest,
) error {
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxInsert(tx, request.Id, request)
	} else {
		err = r.store.Insert(request.Id, request)
	}
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return fmt.Errorf("bridge request %s already exists", request.Id)
	}
	return err
}

func (r *bridgeRequestRepository) UpdateRequest(
	ctx context.Context, request domain.BridgeRequest,
) error {
	updateFn := func() error {
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			return r.store.TxUpdate(tx, request.Id, request)
		}
		return r.store.Update(request.Id, request)
	}

	var err error
	for attempts := 0; attempts < maxRetries; attempts++ {
		if err = updateFn(); err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

func (r *bridgeRequestRepository) GetRequestWithId(
	ctx context.Context, id string,
) (*domain.BridgeRequest, error) {
	request := domain.BridgeRequest{}
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxGet(tx, id, &request)
	} else {
		err = r.store.Get(id, &request)
	}
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &request, nil
}

func (r *bridgeRequestRepository) GetRequestWithDepositId(
	ctx context.Context, depositId string,
) (*domain.BridgeRequest, error) {
	query := badgerhold.Where("DepositId").Eq(depositId)
	requests, err := r.findRequests(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(requests) <= 0 {
		return nil, nil
	}
	return &requests[0], nil
}

func (r *bridgeRequestRepository) GetRequestsWithStatus(
	ctx context.Context, status domain.RequestStatus,
) ([]domain.BridgeRequest, error) {
	query := badgerhold.Where("Status").Eq(status)
	return r.findRequests(ctx, query)
}

func (r *bridgeRequestRepository) Close() {
	r.store.Close()
}

func (r *bridgeRequestRepository) findRequests(
	ctx context.Context, query *badgerhold.Query,
) ([]domain.BridgeRequest, error) {
	requests := make([]domain.BridgeRequest, 0)
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxFind(tx, &requests, query)
	} else {
		err = r.store.Find(&requests, query)
	}
	if err != nil {
		return nil, err
	}
	return requests, nil
}
