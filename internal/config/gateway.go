package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/application"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/chain/btcrpc"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/db"
	runeindexer "github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/indexer"
	timescheduler "github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/scheduler/gocron"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/signer"
	sparkrpc "github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/spark"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/txbuilder"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// GatewayConfig is everything the gateway daemon reads from the environment,
// plus the wired services Validate builds from it.
type GatewayConfig struct {
	Datadir         string
	Port            uint32
	LogLevel        int
	NoTLS           bool
	TLSExtraIPs     []string
	TLSExtraDomains []string

	DbType          string
	EventDbType     string
	DbDir           string
	EventDbDir      string
	DbMigrationPath string

	BitcoinNetwork    string
	SparkNetwork      string
	IdentityKey       *btcec.PrivateKey
	Verifiers         []application.VerifierInfo
	VerifierEndpoints map[string]signer.Endpoint
	SparkOperatorKeys []*btcec.PublicKey
	SignerCaPath      string

	BitcoindRpcHost string
	BitcoindRpcUser string
	BitcoindRpcPass string
	IndexerUrl      string
	IndexerApiKey   string
	SparkUrl        string

	FinalityDepth      uint64
	DustAmount         uint64
	ExitFeeRate        uint64
	MaxSessionAttempts uint32
	PoolLowWater       int
	PoolHighWater      int

	RoundTimeout            time.Duration
	ConfirmationInterval    time.Duration
	ReconcileInterval       time.Duration
	PoolRefillInterval      time.Duration
	MetadataRefreshInterval time.Duration
	SessionTTL              time.Duration

	AdminToken            string
	OtelCollectorEndpoint string

	repo        ports.RepoManager
	node        ports.BitcoinNode
	indexer     ports.RuneIndexer
	sparkClient ports.SparkClient
	builder     ports.TxBuilder
	transport   ports.SignerTransport
	scheduler   ports.SchedulerService
	svc         application.GatewayService
}

func (c *GatewayConfig) String() string {
	json, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	GatewayDatadir                 = "DATADIR"
	GatewayPort                    = "PORT"
	GatewayLogLevel                = "LOG_LEVEL"
	GatewayNoTLS                   = "NO_TLS"
	GatewayTLSExtraIP              = "TLS_EXTRA_IP"
	GatewayTLSExtraDomain          = "TLS_EXTRA_DOMAIN"
	GatewayDbType                  = "DB_TYPE"
	GatewayEventDbType             = "EVENT_DB_TYPE"
	GatewayDbMigrationPath         = "DB_MIGRATION_PATH"
	GatewayBitcoinNetwork          = "BITCOIN_NETWORK"
	GatewaySparkNetwork            = "SPARK_NETWORK"
	GatewayIdentityKey             = "IDENTITY_KEY"
	GatewayVerifiers               = "VERIFIERS"
	GatewaySparkOperatorKeys       = "SPARK_OPERATOR_KEYS"
	GatewaySignerCaPath            = "SIGNER_CA_PATH"
	GatewayBitcoindRpcHost         = "BITCOIND_RPC_HOST"
	GatewayBitcoindRpcUser         = "BITCOIND_RPC_USER"
	GatewayBitcoindRpcPass         = "BITCOIND_RPC_PASS"
	GatewayIndexerUrl              = "RUNE_INDEXER_URL"
	GatewayIndexerApiKey           = "RUNE_INDEXER_API_KEY"
	GatewaySparkUrl                = "SPARK_RPC_URL"
	GatewayFinalityDepth           = "FINALITY_DEPTH"
	GatewayDustAmount              = "DUST_AMOUNT"
	GatewayExitFeeRate             = "EXIT_FEE_RATE"
	GatewayMaxSessionAttempts      = "MAX_SESSION_ATTEMPTS"
	GatewayPoolLowWater            = "DKG_POOL_LOW_WATER"
	GatewayPoolHighWater           = "DKG_POOL_HIGH_WATER"
	GatewayRoundTimeout            = "ROUND_TIMEOUT"
	GatewayConfirmationInterval    = "CONFIRMATION_INTERVAL"
	GatewayReconcileInterval       = "RECONCILE_INTERVAL"
	GatewayPoolRefillInterval      = "DKG_POOL_REFILL_INTERVAL"
	GatewayMetadataRefreshInterval = "METADATA_REFRESH_INTERVAL"
	GatewaySessionTTL              = "SESSION_TTL"
	GatewayAdminToken              = "ADMIN_TOKEN"
	GatewayOtelCollectorEndpoint   = "OTEL_COLLECTOR_ENDPOINT"

	defaultGatewayDatadir          = btcutil.AppDataDir("gatewayd", false)
	DefaultGatewayPort             = 7070
	defaultLogLevel                = 4
	defaultNoTLS                   = true
	defaultDbType                  = "badger"
	defaultEventDbType             = "badger"
	defaultDbMigrationPath         = "file://internal/infrastructure/db/sqlite/migration"
	defaultBitcoinNetwork          = "regtest"
	defaultSparkNetwork            = "regtest"
	defaultBitcoindRpcHost         = "localhost:18443"
	defaultFinalityDepth           = 6
	defaultDustAmount              = 546
	defaultExitFeeRate             = 2
	defaultMaxSessionAttempts      = 5
	defaultPoolLowWater            = 8
	defaultPoolHighWater           = 32
	defaultRoundTimeout            = 30 * time.Second
	defaultConfirmationInterval    = 30 * time.Second
	defaultReconcileInterval       = time.Minute
	defaultPoolRefillInterval      = 5 * time.Minute
	defaultMetadataRefreshInterval = time.Hour
	defaultSessionTTL              = 10 * time.Minute
)

func LoadGatewayConfig() (*GatewayConfig, error) {
	viper.SetEnvPrefix("GATEWAY")
	viper.AutomaticEnv()

	viper.SetDefault(GatewayDatadir, defaultGatewayDatadir)
	viper.SetDefault(GatewayPort, DefaultGatewayPort)
	viper.SetDefault(GatewayLogLevel, defaultLogLevel)
	viper.SetDefault(GatewayNoTLS, defaultNoTLS)
	viper.SetDefault(GatewayDbType, defaultDbType)
	viper.SetDefault(GatewayEventDbType, defaultEventDbType)
	viper.SetDefault(GatewayDbMigrationPath, defaultDbMigrationPath)
	viper.SetDefault(GatewayBitcoinNetwork, defaultBitcoinNetwork)
	viper.SetDefault(GatewaySparkNetwork, defaultSparkNetwork)
	viper.SetDefault(GatewayBitcoindRpcHost, defaultBitcoindRpcHost)
	viper.SetDefault(GatewayFinalityDepth, defaultFinalityDepth)
	viper.SetDefault(GatewayDustAmount, defaultDustAmount)
	viper.SetDefault(GatewayExitFeeRate, defaultExitFeeRate)
	viper.SetDefault(GatewayMaxSessionAttempts, defaultMaxSessionAttempts)
	viper.SetDefault(GatewayPoolLowWater, defaultPoolLowWater)
	viper.SetDefault(GatewayPoolHighWater, defaultPoolHighWater)
	viper.SetDefault(GatewayRoundTimeout, defaultRoundTimeout)
	viper.SetDefault(GatewayConfirmationInterval, defaultConfirmationInterval)
	viper.SetDefault(GatewayReconcileInterval, defaultReconcileInterval)
	viper.SetDefault(GatewayPoolRefillInterval, defaultPoolRefillInterval)
	viper.SetDefault(GatewayMetadataRefreshInterval, defaultMetadataRefreshInterval)
	viper.SetDefault(GatewaySessionTTL, defaultSessionTTL)

	if err := initDatadir(viper.GetString(GatewayDatadir)); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}
	dbPath := filepath.Join(viper.GetString(GatewayDatadir), "db")

	identityKey, err := parsePrivateKey(viper.GetString(GatewayIdentityKey))
	if err != nil {
		return nil, fmt.Errorf("invalid identity key: %s", err)
	}
	verifiers, endpoints, err := parseVerifiers(viper.GetStringSlice(GatewayVerifiers))
	if err != nil {
		return nil, err
	}
	operatorKeys, err := parsePublicKeys(viper.GetStringSlice(GatewaySparkOperatorKeys))
	if err != nil {
		return nil, fmt.Errorf("invalid spark operator keys: %s", err)
	}

	return &GatewayConfig{
		Datadir:                 viper.GetString(GatewayDatadir),
		Port:                    viper.GetUint32(GatewayPort),
		LogLevel:                viper.GetInt(GatewayLogLevel),
		NoTLS:                   viper.GetBool(GatewayNoTLS),
		TLSExtraIPs:             viper.GetStringSlice(GatewayTLSExtraIP),
		TLSExtraDomains:         viper.GetStringSlice(GatewayTLSExtraDomain),
		DbType:                  viper.GetString(GatewayDbType),
		EventDbType:             viper.GetString(GatewayEventDbType),
		DbDir:                   dbPath,
		EventDbDir:              dbPath,
		DbMigrationPath:         viper.GetString(GatewayDbMigrationPath),
		BitcoinNetwork:          viper.GetString(GatewayBitcoinNetwork),
		SparkNetwork:            viper.GetString(GatewaySparkNetwork),
		IdentityKey:             identityKey,
		Verifiers:               verifiers,
		VerifierEndpoints:       endpoints,
		SparkOperatorKeys:       operatorKeys,
		SignerCaPath:            viper.GetString(GatewaySignerCaPath),
		BitcoindRpcHost:         viper.GetString(GatewayBitcoindRpcHost),
		BitcoindRpcUser:         viper.GetString(GatewayBitcoindRpcUser),
		BitcoindRpcPass:         viper.GetString(GatewayBitcoindRpcPass),
		IndexerUrl:              viper.GetString(GatewayIndexerUrl),
		IndexerApiKey:           viper.GetString(GatewayIndexerApiKey),
		SparkUrl:                viper.GetString(GatewaySparkUrl),
		FinalityDepth:           viper.GetUint64(GatewayFinalityDepth),
		DustAmount:              viper.GetUint64(GatewayDustAmount),
		ExitFeeRate:             viper.GetUint64(GatewayExitFeeRate),
		MaxSessionAttempts:      viper.GetUint32(GatewayMaxSessionAttempts),
		PoolLowWater:            viper.GetInt(GatewayPoolLowWater),
		PoolHighWater:           viper.GetInt(GatewayPoolHighWater),
		RoundTimeout:            viper.GetDuration(GatewayRoundTimeout),
		ConfirmationInterval:    viper.GetDuration(GatewayConfirmationInterval),
		ReconcileInterval:       viper.GetDuration(GatewayReconcileInterval),
		PoolRefillInterval:      viper.GetDuration(GatewayPoolRefillInterval),
		MetadataRefreshInterval: viper.GetDuration(GatewayMetadataRefreshInterval),
		SessionTTL:              viper.GetDuration(GatewaySessionTTL),
		AdminToken:              viper.GetString(GatewayAdminToken),
		OtelCollectorEndpoint:   viper.GetString(GatewayOtelCollectorEndpoint),
	}, nil
}

func (c *GatewayConfig) Validate() error {
	if !supportedEventDbs.supports(c.EventDbType) {
		return fmt.Errorf("event db type not supported, please select one of: %s", supportedEventDbs)
	}
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedNetworks.supports(c.BitcoinNetwork) {
		return fmt.Errorf("bitcoin network not supported, please select one of: %s", supportedNetworks)
	}
	if len(c.IndexerUrl) <= 0 {
		return fmt.Errorf("rune indexer url not set")
	}
	if len(c.SparkUrl) <= 0 {
		return fmt.Errorf("spark rpc url not set")
	}
	if c.FinalityDepth <= 0 {
		return fmt.Errorf("finality depth must be greater than 0")
	}
	if c.PoolHighWater <= c.PoolLowWater {
		return fmt.Errorf("dkg pool high water must be above the low water mark")
	}

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.nodeService(); err != nil {
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
	if err := c.transportService(); err != nil {
		return err
	}
	c.scheduler = timescheduler.NewScheduler()
	return nil
}

func (c *GatewayConfig) AppService() (application.GatewayService, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

func (c *GatewayConfig) RepoManager() ports.RepoManager {
	return c.repo
}

func (c *GatewayConfig) repoManager() error {
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

func (c *GatewayConfig) nodeService() error {
	svc, err := btcrpc.NewBitcoinNode(btcrpc.Config{
		RpcHost:      c.BitcoindRpcHost,
		RpcUser:      c.BitcoindRpcUser,
		RpcPass:      c.BitcoindRpcPass,
		FeeRateFloor: c.ExitFeeRate,
	})
	if err != nil {
		return err
	}

	c.node = svc
	return nil
}

func (c *GatewayConfig) indexerService() error {
	svc, err := runeindexer.NewService(c.IndexerUrl, c.IndexerApiKey)
	if err != nil {
		return err
	}

	c.indexer = svc
	return nil
}

func (c *GatewayConfig) sparkService() error {
	svc, err := sparkrpc.NewService(c.SparkUrl)
	if err != nil {
		return err
	}

	c.sparkClient = svc
	return nil
}

func (c *GatewayConfig) builderService() error {
	network, err := networkFromName(c.BitcoinNetwork)
	if err != nil {
		return err
	}

	c.builder = txbuilder.NewTxBuilder(network, c.DustAmount, c.ExitFeeRate)
	return nil
}

func (c *GatewayConfig) transportService() error {
	svc, err := signer.NewTransport(signer.TransportConfig{
		IdentityKey:    c.IdentityKey,
		Endpoints:      c.VerifierEndpoints,
		CaPath:         c.SignerCaPath,
		RequestTimeout: c.RoundTimeout,
	})
	if err != nil {
		return err
	}

	c.transport = svc
	return nil
}

func (c *GatewayConfig) appService() error {
	svc, err := application.NewGatewayService(
		application.GatewayConfig{
			BitcoinNetwork:          c.BitcoinNetwork,
			SparkNetwork:            c.SparkNetwork,
			IdentityKey:             c.IdentityKey,
			Verifiers:               c.Verifiers,
			SparkOperatorKeys:       c.SparkOperatorKeys,
			FinalityDepth:           c.FinalityDepth,
			DustAmount:              c.DustAmount,
			MaxSessionAttempts:      c.MaxSessionAttempts,
			PoolLowWater:            c.PoolLowWater,
			PoolHighWater:           c.PoolHighWater,
			RoundTimeout:            c.RoundTimeout,
			ConfirmationInterval:    c.ConfirmationInterval,
			ReconcileInterval:       c.ReconcileInterval,
			PoolRefillInterval:      c.PoolRefillInterval,
			MetadataRefreshInterval: c.MetadataRefreshInterval,
			SessionTTL:              c.SessionTTL,
		},
		c.repo, c.builder, c.scheduler, c.node, c.indexer, c.sparkClient, c.transport,
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}
