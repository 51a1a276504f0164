package badgerdb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const eventStoreDir = "deposit-events"

type eventsDTO struct {
	Events [][]byte
}

type depositEventRepository struct {
	store     *badgerhold.Store
	lock      *sync.Mutex
	chUpdates chan *domain.Deposit
	handler   func(deposit *domain.Deposit)
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewDepositEventRepository(config ...interface{}) (domain.DepositEventRepository, error) {
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
		dir = filepath.Join(baseDir, eventStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open deposit events store: %s", err)
	}
	repo := &depositEventRepository{
		store:     store,
		lock:      &sync.Mutex{},
		chUpdates: make(chan *domain.Deposit),
		done:      make(chan struct{}),
	}
	go repo.listen()
	return repo, nil
}

func (r *depositEventRepository) Save(
	ctx context.Context, id string, events ...domain.DepositEvent,
) (*domain.Deposit, error) {
	allEvents, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}

	allEvents = append(allEvents, events...)
	if err := r.upsert(ctx, id, allEvents); err != nil {
		return nil, err
	}
	r.wg.Add(1)
	go r.publishEvents(allEvents)
	return domain.NewDepositFromEvents(allEvents), nil
}

func (r *depositEventRepository) Load(
	ctx context.Context, id string,
) (*domain.Deposit, error) {
	events, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return domain.NewDepositFromEvents(events), nil
}

func (r *depositEventRepository) RegisterEventsHandler(
	handler func(deposit *domain.Deposit),
) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.handler = handler
}

func (r *depositEventRepository) Close() {
	close(r.done)
	r.wg.Wait()
	close(r.chUpdates)
	r.store.Close()
}

func (r *depositEventRepository) get(
	ctx context.Context, id string,
) ([]domain.DepositEvent, error) {
	dto := eventsDTO{}
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxGet(tx, id, &dto)
	} else {
		err = r.store.Get(id, &dto)
	}
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get events with id %s: %s", id, err)
	}

	return deserializeEvents(dto.Events)
}

func (r *depositEventRepository) upsert(
	ctx context.Context, id string, events []domain.DepositEvent,
) error {
	buf, err := serializeEvents(events)
	if err != nil {
		return err
	}
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxUpsert(tx, id, buf)
	} else {
		err = r.store.Upsert(id, buf)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert events with id %s: %s", id, err)
	}
	return nil
}

func (r *depositEventRepository) listen() {
	for {
		select {
		case <-r.done:
			return
		case deposit := <-r.chUpdates:
			r.runHandler(deposit)
		}
	}
}

func (r *depositEventRepository) publishEvents(events []domain.DepositEvent) {
	defer r.wg.Done()
	deposit := domain.NewDepositFromEvents(events)
	select {
	case <-r.done:
		return
	case r.chUpdates <- deposit:
	}
}

func (r *depositEventRepository) runHandler(deposit *domain.Deposit) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.handler == nil {
		return
	}
	r.handler(deposit)
}
