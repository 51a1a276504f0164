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

const sessionStoreDir = "signing-sessions"

type signingSessionRepository struct {
	store *badgerhold.Store
}

func NewSigningSessionRepository(config ...interface{}) (domain.SigningSessionRepository, error) {
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
		dir = filepath.Join(baseDir, sessionStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open signing session store: %s", err)
	}

	return &signingSessionRepository{store}, nil
}

func (r *signingSessionRepository) AddOrUpdateSession(
	ctx context.Context, session domain.SigningSession,
) error {
	upsertFn := func() error {
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			return r.store.TxUpsert(tx, session.Id, session)
		}
		return r.store.Upsert(session.Id, session)
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

func (r *signingSessionRepository) GetSessionWithId(
	ctx context.Context, id string,
) (*domain.SigningSession, error) {
	session := domain.SigningSession{}
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxGet(tx, id, &session)
	} else {
		err = r.store.Get(id, &session)
	}
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (r *signingSessionRepository) GetActiveSessions(
	ctx context.Context,
) ([]domain.SigningSession, error) {
	query := badgerhold.Where("State").
		In(domain.SessionAwaitNonces, domain.SessionAwaitPartials)
	return r.findSessions(ctx, query)
}

func (r *signingSessionRepository) GetActiveSessionWithShareId(
	ctx context.Context, shareId string,
) (*domain.SigningSession, error) {
	query := badgerhold.Where("ShareId").Eq(shareId).
		And("State").In(domain.SessionAwaitNonces, domain.SessionAwaitPartials)
	sessions, err := r.findSessions(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(sessions) <= 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

func (r *signingSessionRepository) DeleteSessionsEndedBefore(
	ctx context.Context, timestamp int64,
) (int, error) {
	query := badgerhold.Where("State").
		In(domain.SessionAggregated, domain.SessionFailed).
		And("EndedAt").Lt(timestamp).And("EndedAt").Gt(int64(0))
	sessions, err := r.findSessions(ctx, query)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, session := range sessions {
		if err := r.store.Delete(session.Id, domain.SigningSession{}); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (r *signingSessionRepository) Close() {
	r.store.Close()
}

func (r *signingSessionRepository) findSessions(
	ctx context.Context, query *badgerhold.Query,
) ([]domain.SigningSession, error) {
	sessions := make([]domain.SigningSession, 0)
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxFind(tx, &sessions, query)
	} else {
		err = r.store.Find(&sessions, query)
	}
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
