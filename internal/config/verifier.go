package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/application"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/db"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/gatewayclient"
	runeindexer "github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/indexer"
	timescheduler "github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/scheduler/gocron"
	sparkrpc "github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/spark"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/txbuilder"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// VerifierConfig is everything a verifier daemon reads from the environment,
// plus the wired services Validate builds from it. The signing plane
// listener is built by cmd from the exported fields.
type VerifierConfig struct {
	Datadir         string
	Port            uint32
	SignerPort      uint32
	LogLevel        int
	NoTLS           bool
	TLSExtraIPs     []string
	TLSExtraDomains []string

	DbType          string
	EventDbType     string
	DbDir           string
	EventDbDir      string
	DbMigrationPath string

	VerifierId       string
	BitcoinNetwork   string
	SparkNetwork     string
	IdentityKey      *btcec.PrivateKey
	GatewayPublicKey string
	GatewayUrl       string
	SignerIndex      uint32
	TotalSigners     uint32

	IndexerUrl    string
	IndexerApiKey string
	SparkUrl      string

	FinalityDepth uint64
	DustAmount    uint64

	WatchInterval time.Duration
	SessionTTL    time.Duration

	OtelCollectorEndpoint string

	repo          ports.RepoManager
	indexer       ports.RuneIndexer
	sparkClient   ports.SparkClient
	builder       ports.TxBuilder
	gatewayClient ports.GatewayClient
	scheduler     ports.SchedulerService
	svc           application.VerifierService
}

func (c *VerifierConfig) String() string {
	json, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	VerifierDatadir          = "DATADIR"
	VerifierPort             = "PORT"
	VerifierSignerPort       = "SIGNER_PORT"
	VerifierLogLevel         = "LOG_LEVEL"
	VerifierNoTLS            = "NO_TLS"
	VerifierTLSExtraIP       = "TLS_EXTRA_IP"
	VerifierTLSExtraDomain   = "TLS_EXTRA_DOMAIN"
	VerifierDbType           = "DB_TYPE"
	VerifierEventDbType      = "EVENT_DB_TYPE"
	VerifierDbMigrationPath  = "DB_MIGRATION_PATH"
	VerifierId               = "ID"
	VerifierBitcoinNetwork   = "BITCOIN_NETWORK"
	VerifierSparkNetwork     = "SPARK_NETWORK"
	VerifierIdentityKey      = "IDENTITY_KEY"
	VerifierGatewayPublicKey = "GATEWAY_PUBLIC_KEY"
	VerifierGatewayUrl       = "GATEWAY_URL"
	VerifierSignerIndex      = "SIGNER_INDEX"
	VerifierTotalSigners     = "TOTAL_SIGNERS"
	VerifierIndexerUrl       = "RUNE_INDEXER_URL"
	VerifierIndexerApiKey    = "RUNE_INDEXER_API_KEY"
	VerifierSparkUrl         = "SPARK_RPC_URL"
	VerifierFinalityDepth    = "FINALITY_DEPTH"
	VerifierDustAmount       = "DUST_AMOUNT"
	VerifierWatchInterval    = "WATCH_INTERVAL"
	VerifierSessionTTL       = "SESSION_TTL"
	VerifierOtelEndpoint     = "OTEL_COLLECTOR_ENDPOINT"

	defaultVerifierDatadir    = btcutil.AppDataDir("verifierd", false)
	DefaultVerifierPort       = 7171
	DefaultVerifierSignerPort = 7170
	defaultWatchInterval      = 30 * time.Second
)

func LoadVerifierConfig() (*VerifierConfig, error) {
	viper.SetEnvPrefix("VERIFIER")
	viper.AutomaticEnv()

	viper.SetDefault(VerifierDatadir, defaultVerifierDatadir)
	viper.SetDefault(VerifierPort, DefaultVerifierPort)
	viper.SetDefault(VerifierSignerPort, DefaultVerifierSignerPort)
	viper.SetDefault(VerifierLogLevel, defaultLogLevel)
	viper.SetDefault(VerifierNoTLS, defaultNoTLS)
	viper.SetDefault(VerifierDbType, defaultDbType)
	viper.SetDefault(VerifierEventDbType, defaultEventDbType)
	viper.SetDefault(VerifierDbMigrationPath, defaultDbMigrationPath)
	viper.SetDefault(VerifierBitcoinNetwork, defaultBitcoinNetwork)
	viper.SetDefault(VerifierSparkNetwork, defaultSparkNetwork)
	viper.SetDefault(VerifierFinalityDepth, defaultFinalityDepth)
	viper.SetDefault(VerifierDustAmount, defaultDustAmount)
	viper.SetDefault(VerifierWatchInterval, defaultWatchInterval)
	viper.SetDefault(VerifierSessionTTL, defaultSessionTTL)

	if err := initDatadir(viper.GetString(VerifierDatadir)); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}
	dbPath := filepath.Join(viper.GetString(VerifierDatadir), "db")

	identityKey, err := parsePrivateKey(viper.GetString(VerifierIdentityKey))
	if err != nil {
		return nil, fmt.Errorf("invalid identity key: %s", err)
	}

	return &VerifierConfig{
		Datadir:               viper.GetString(VerifierDatadir),
		Port:                  viper.GetUint32(VerifierPort),
		SignerPort:            viper.GetUint32(VerifierSignerPort),
		LogLevel:              viper.GetInt(VerifierLogLevel),
		NoTLS:                 viper.GetBool(VerifierNoTLS),
		TLSExtraIPs:           viper.GetStringSlice(VerifierTLSExtraIP),
		TLSExtraDomains:       viper.GetStringSlice(VerifierTLSExtraDomain),
		DbType:                viper.GetString(VerifierDbType),
		EventDbType:           viper.GetString(VerifierEventDbType),
		DbDir:                 dbPath,
		EventDbDir:            dbPath,
		DbMigrationPath:       viper.GetString(VerifierDbMigrationPath),
		VerifierId:            viper.GetString(VerifierId),
		BitcoinNetwork:        viper.GetString(VerifierBitcoinNetwork),
		SparkNetwork:          viper.GetString(VerifierSparkNetwork),
		IdentityKey:           identityKey,
		GatewayPublicKey:      viper.GetString(VerifierGatewayPublicKey),
		GatewayUrl:            viper.GetString(VerifierGatewayUrl),
		SignerIndex:           viper.GetUint32(VerifierSignerIndex),
		TotalSigners:          viper.GetUint32(VerifierTotalSigners),
		IndexerUrl:            viper.GetString(VerifierIndexerUrl),
		IndexerApiKey:         viper.GetString(VerifierIndexerApiKey),
		SparkUrl:              viper.GetString(VerifierSparkUrl),
		FinalityDepth:         viper.GetUint64(VerifierFinalityDepth),
		DustAmount:            viper.GetUint64(VerifierDustAmount),
		WatchInterval:         viper.GetDuration(VerifierWatchInterval),
		SessionTTL:            viper.GetDuration(VerifierSessionTTL),
		OtelCollectorEndpoint: viper.GetString(VerifierOtelEndpoint),
	}, nil
}

func (c *VerifierConfig) Validate() error {
	if !supportedEventDbs.supports(c.EventDbType) {
		return fmt.Errorf("event db type not supported, please select one of: %s", supportedEventDbs)
	}
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedNetworks.supports(c.BitcoinNetwork) {
		return fmt.Errorf("bitcoin network not supported, please select one of: %s", supportedNetworks)
	}
	if len(c.VerifierId) <= 0 {
		return fmt.Errorf("verifier id not set")
	}
	if len(c.GatewayUrl) <= 0 {
		return fmt.Errorf("gateway url not set")
	}
	if len(c.IndexerUrl) <= 0 {
		return fmt.Errorf("rune indexer url not set")
	}
	if len(c.SparkUrl) <= 0 {
		return fmt.Errorf("spark rpc url not set")
	}

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.indexerService(); err != nil {
		return err
	}
	if err := c.sparkService(); err != nil {
		return err
	}
	if err := c.builderService(); err != nil {
		return err
	}
	if err := c.gatewayService(); err != nil {
		return err
	}
	c.scheduler = timescheduler.NewScheduler()
	return nil
}

func (c *VerifierConfig) AppService() (application.VerifierService, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

func (c *VerifierConfig) RepoManager() ports.RepoManager {
	return c.repo
}

func (c *VerifierConfig) repoManager() error {
	var eventStoreConfig []interface{}
	var dataStoreConfig []interface{}
	logger := log.New()

	switch c.EventDbType {
	case "badger":
		eventStoreConfig = []interface{}{c.EventDbDir, logger}
	default:
		return fmt.Errorf("unknown event db type")
	}

	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, logger}
	case "sqlite":
		dataStoreConfig = []interface{}{c.DbDir, c.DbMigrationPath}
	default:
		return fmt.Errorf("unknown db type")
	}

	svc, err := db.NewService(db.ServiceConfig{
		EventStoreType:   c.EventDbType,
		DataStoreType:    c.DbType,
		EventStoreConfig: eventStoreConfig,
		DataStoreConfig:  dataStoreConfig,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *VerifierConfig) indexerService() error {
	svc, err := runeindexer.NewService(c.IndexerUrl, c.IndexerApiKey)
	if err != nil {
		return err
	}

	c.indexer = svc
	return nil
}

func (c *VerifierConfig) sparkService() error {
	svc, err := sparkrpc.NewService(c.SparkUrl)
	if err != nil {
		return err
	}

	c.sparkClient = svc
	return nil
}

func (c *VerifierConfig) builderService() error {
	network, err := networkFromName(c.BitcoinNetwork)
	if err != nil {
		return err
	}

	// the verifier only decodes and sighashes, the fee floor is unused
	c.builder = txbuilder.NewTxBuilder(network, c.DustAmount, 1)
	return nil
}

func (c *VerifierConfig) gatewayService() error {
	svc, err := gatewayclient.NewClient(c.GatewayUrl, c.IdentityKey)
	if err != nil {
		return err
	}

	c.gatewayClient = svc
	return nil
}

func (c *VerifierConfig) appService() error {
	svc, err := application.NewVerifierService(
		application.VerifierConfig{
			VerifierId:       c.VerifierId,
			BitcoinNetwork:   c.BitcoinNetwork,
			SparkNetwork:     c.SparkNetwork,
			IdentityKey:      c.IdentityKey,
			GatewayPublicKey: c.GatewayPublicKey,
			SignerIndex:      c.SignerIndex,
			TotalSigners:     c.TotalSigners,
			FinalityDepth:    c.FinalityDepth,
			WatchInterval:    c.WatchInterval,
			SessionTTL:       c.SessionTTL,
		},
		c.repo, c.indexer, c.sparkClient, c.builder, c.gatewayClient, c.scheduler,
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}
