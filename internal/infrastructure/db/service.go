package db

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	badgerdb "github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/db/badger"
	sqlitedb "github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/db/sqlite"
	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

var (
	eventStoreTypes = map[string]func(...interface{}) (domain.DepositEventRepository, error){
		"badger": badgerdb.NewDepositEventRepository,
	}
	depositStoreTypes = map[string]func(...interface{}) (domain.DepositRepository, error){
		"badger": badgerdb.NewDepositRepository,
		"sqlite": sqlitedb.NewDepositRepository,
	}
	dkgShareStoreTypes = map[string]func(...interface{}) (domain.DkgShareRepository, error){
		"badger": badgerdb.NewDkgShareRepository,
		"sqlite": sqlitedb.NewDkgShareRepository,
	}
	utxoStoreTypes = map[string]func(...interface{}) (domain.UtxoRepository, error){
		"badger": badgerdb.NewUtxoRepository,
		"sqlite": sqlitedb.NewUtxoRepository,
	}
	bridgeRequestStoreTypes = map[string]func(...interface{}) (domain.BridgeRequestRepository, error){
		"badger": badgerdb.NewBridgeRequestRepository,
		"sqlite": sqlitedb.NewBridgeRequestRepository,
	}
	signingSessionStoreTypes = map[string]func(...interface{}) (domain.SigningSessionRepository, error){
		"badger": badgerdb.NewSigningSessionRepository,
		"sqlite": sqlitedb.NewSigningSessionRepository,
	}
	wruneMetadataStoreTypes = map[string]func(...interface{}) (domain.WruneMetadataRepository, error){
		"badger": badgerdb.NewWruneMetadataRepository,
		"sqlite": sqlitedb.NewWruneMetadataRepository,
	}
	intentStoreTypes = map[string]func(...interface{}) (ports.IntentRepository, error){
		"badger": badgerdb.NewIntentRepository,
		"sqlite": sqlitedb.NewIntentRepository,
	}
)

const (
	sqliteDbFile = "sqlite.db"
)

type ServiceConfig struct {
	EventStoreType string
	DataStoreType  string

	EventStoreConfig []interface{}
	DataStoreConfig  []interface{}
}

type service struct {
	eventStore          domain.DepositEventRepository
	depositStore        domain.DepositRepository
	dkgShareStore       domain.DkgShareRepository
	utxoStore           domain.UtxoRepository
	bridgeRequestStore  domain.BridgeRequestRepository
	signingSessionStore domain.SigningSessionRepository
	wruneMetadataStore  domain.WruneMetadataRepository
	intentStore         ports.IntentRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	eventStoreFactory, ok := eventStoreTypes[config.EventStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid event store type: %s", config.EventStoreType)
	}

	depositStoreFactory, ok := depositStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	dkgShareStoreFactory := dkgShareStoreTypes[config.DataStoreType]
	utxoStoreFactory := utxoStoreTypes[config.DataStoreType]
	bridgeRequestStoreFactory := bridgeRequestStoreTypes[config.DataStoreType]
	signingSessionStoreFactory := signingSessionStoreTypes[config.DataStoreType]
	wruneMetadataStoreFactory := wruneMetadataStoreTypes[config.DataStoreType]
	intentStoreFactory := intentStoreTypes[config.DataStoreType]

	dataStoreConfig := config.DataStoreConfig
	if config.DataStoreType == "sqlite" {
		// all sqlite stores share a single connection, opened once and
		// migrated before any repository touches it
		db, err := openAndMigrateSqlite(config.DataStoreConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
		}
		dataStoreConfig = []interface{}{db}
	}

	eventStore, err := eventStoreFactory(config.EventStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create event store: %w", err)
	}

	depositStore, err := depositStoreFactory(dataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create deposit store: %w", err)
	}

	dkgShareStore, err := dkgShareStoreFactory(dataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dkg share store: %w", err)
	}

	utxoStore, err := utxoStoreFactory(dataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create utxo store: %w", err)
	}

	bridgeRequestStore, err := bridgeRequestStoreFactory(dataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge request store: %w", err)
	}

	signingSessionStore, err := signingSessionStoreFactory(dataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create signing session store: %w", err)
	}

	wruneMetadataStore, err := wruneMetadataStoreFactory(dataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create wrune metadata store: %w", err)
	}

	intentStore, err := intentStoreFactory(dataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create intent store: %w", err)
	}

	return &service{
		eventStore:          eventStore,
		depositStore:        depositStore,
		dkgShareStore:       dkgShareStore,
		utxoStore:           utxoStore,
		bridgeRequestStore:  bridgeRequestStore,
		signingSessionStore: signingSessionStore,
		wruneMetadataStore:  wruneMetadataStore,
		intentStore:         intentStore,
	}, nil
}

func (s *service) DepositEvents() domain.DepositEventRepository {
	return s.eventStore
}

func (s *service) Deposits() domain.DepositRepository {
	return s.depositStore
}

func (s *service) DkgShares() domain.DkgShareRepository {
	return s.dkgShareStore
}

func (s *service) Utxos() domain.UtxoRepository {
	return s.utxoStore
}

func (s *service) BridgeRequests() domain.BridgeRequestRepository {
	return s.bridgeRequestStore
}

func (s *service) SigningSessions() domain.SigningSessionRepository {
	return s.signingSessionStore
}

func (s *service) WruneMetadata() domain.WruneMetadataRepository {
	return s.wruneMetadataStore
}

func (s *service) Intents() ports.IntentRepository {
	return s.intentStore
}

func (s *service) Close() {
	s.eventStore.Close()
	s.depositStore.Close()
	s.dkgShareStore.Close()
	s.utxoStore.Close()
	s.bridgeRequestStore.Close()
	s.signingSessionStore.Close()
	s.wruneMetadataStore.Close()
	s.intentStore.Close()
}

func openAndMigrateSqlite(config []interface{}) (*sql.DB, error) {
	if len(config) != 2 {
		return nil, errors.New("invalid config")
	}

	dbDir, ok := config[0].(string)
	if !ok {
		return nil, errors.New("invalid db directory")
	}
	migrationPath, ok := config[1].(string)
	if !ok {
		return nil, errors.New("invalid migration path")
	}

	db, err := sqlitedb.OpenDb(filepath.Join(dbDir, sqliteDbFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationPath, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to migrate up: %w", err)
	}

	return db, nil
}
