package application

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/frost"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/runes"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/spark"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const gatewayParticipant = "gateway"

type gatewayService struct {
	// services
	repoManager ports.RepoManager
	builder     ports.TxBuilder
	scheduler   ports.SchedulerService
	node        ports.BitcoinNode
	indexer     ports.RuneIndexer
	sparkClient ports.SparkClient
	transport   ports.SignerTransport

	// config
	network                 *chaincfg.Params
	sparkNetwork            spark.Network
	identityKey             *btcec.PrivateKey
	verifiers               []VerifierInfo
	operatorKeys            []*btcec.PublicKey
	finalityDepth           uint64
	dustAmount              uint64
	maxAttempts             uint32
	poolLowWater            int
	poolHighWater           int
	roundTimeout            time.Duration
	confirmationInterval    time.Duration
	reconcileInterval       time.Duration
	poolRefillInterval      time.Duration
	metadataRefreshInterval time.Duration
	sessionTTL              time.Duration

	// channels
	dispatchC chan string
	stopC     chan struct{}

	locks *keyedLocker
}

func NewGatewayService(
	config GatewayConfig,
	repoManager ports.RepoManager,
	builder ports.TxBuilder,
	scheduler ports.SchedulerService,
	node ports.BitcoinNode,
	indexer ports.RuneIndexer,
	sparkClient ports.SparkClient,
	transport ports.SignerTransport,
) (GatewayService, error) {
	if config.IdentityKey == nil {
		return nil, fmt.Errorf("missing identity key")
	}
	if len(config.Verifiers) <= 0 {
		return nil, fmt.Errorf("missing verifier set")
	}
	for _, verifier := range config.Verifiers {
		if len(verifier.Id) <= 0 {
			return nil, fmt.Errorf("missing verifier id")
		}
		if _, err := parsePubkey(verifier.PublicKey); err != nil {
			return nil, fmt.Errorf("invalid public key for verifier %s: %s", verifier.Id, err)
		}
	}
	if len(config.SparkOperatorKeys) <= 0 {
		return nil, fmt.Errorf("missing spark operator keys")
	}
	if config.FinalityDepth <= 0 {
		return nil, fmt.Errorf("missing finality depth")
	}
	network, err := networkParams(config.BitcoinNetwork)
	if err != nil {
		return nil, err
	}
	sparkNetwork, err := spark.ParseNetwork(config.SparkNetwork)
	if err != nil {
		return nil, err
	}

	svc := &gatewayService{
		repoManager:             repoManager,
		builder:                 builder,
		scheduler:               scheduler,
		node:                    node,
		indexer:                 indexer,
		sparkClient:             sparkClient,
		transport:               transport,
		network:                 network,
		sparkNetwork:            sparkNetwork,
		identityKey:             config.IdentityKey,
		verifiers:               config.Verifiers,
		operatorKeys:            config.SparkOperatorKeys,
		finalityDepth:           config.FinalityDepth,
		dustAmount:              config.DustAmount,
		maxAttempts:             config.MaxSessionAttempts,
		poolLowWater:            config.PoolLowWater,
		poolHighWater:           config.PoolHighWater,
		roundTimeout:            config.RoundTimeout,
		confirmationInterval:    config.ConfirmationInterval,
		reconcileInterval:       config.ReconcileInterval,
		poolRefillInterval:      config.PoolRefillInterval,
		metadataRefreshInterval: config.MetadataRefreshInterval,
		sessionTTL:              config.SessionTTL,
		dispatchC:               make(chan string, 64),
		stopC:                   make(chan struct{}),
		locks:                   newKeyedLocker(),
	}
	if svc.dustAmount <= 0 {
		svc.dustAmount = 546
	}
	if svc.maxAttempts <= 0 {
		svc.maxAttempts = 5
	}
	if svc.poolLowWater <= 0 {
		svc.poolLowWater = 8
	}
	if svc.poolHighWater <= svc.poolLowWater {
		svc.poolHighWater = 4 * svc.poolLowWater
	}
	if svc.roundTimeout <= 0 {
		svc.roundTimeout = 30 * time.Second
	}
	if svc.confirmationInterval <= 0 {
		svc.confirmationInterval = 30 * time.Second
	}
	if svc.reconcileInterval <= 0 {
		svc.reconcileInterval = time.Minute
	}
	if svc.poolRefillInterval <= 0 {
		svc.poolRefillInterval = 5 * time.Minute
	}
	if svc.metadataRefreshInterval <= 0 {
		svc.metadataRefreshInterval = time.Hour
	}
	if svc.sessionTTL <= 0 {
		svc.sessionTTL = 10 * time.Minute
	}

	repoManager.DepositEvents().RegisterEventsHandler(func(deposit *domain.Deposit) {
		svc.onDepositUpdated(deposit)
	})

	return svc, nil
}

func (s *gatewayService) Start() error {
	log.Debug("starting gateway service")
	if err := s.scheduler.ScheduleTaskEvery(s.confirmationInterval, s.watchDeposits); err != nil {
		return err
	}
	if err := s.scheduler.ScheduleTaskEvery(s.reconcileInterval, s.reconcile); err != nil {
		return err
	}
	if err := s.scheduler.ScheduleTaskEvery(s.poolRefillInterval, s.refillSharePool); err != nil {
		return err
	}
	if err := s.scheduler.ScheduleTaskEvery(s.metadataRefreshInterval, s.refreshMetadata); err != nil {
		return err
	}
	if err := s.scheduler.ScheduleTaskEvery(s.sessionTTL, s.collectSessions); err != nil {
		return err
	}
	s.scheduler.Start()

	go s.listenToDispatch()
	go s.recoverPendingWork()
	return nil
}

func (s *gatewayService) Stop() {
	s.scheduler.Stop()
	close(s.stopC)
	s.transport.Close()
	s.sparkClient.Close()
	s.indexer.Close()
	s.node.Close()
	s.repoManager.Close()
	log.Debug("stopped gateway service")
}

func (s *gatewayService) GetBtcDepositAddress(
	ctx context.Context, userPublicKey, runeId string, amount uint64,
) (string, error) {
	return s.issueDepositAddress(ctx, domain.ChainBitcoin, userPublicKey, runeId, amount)
}

func (s *gatewayService) GetSparkDepositAddress(
	ctx context.Context, userPublicKey, runeId string, amount uint64,
) (string, error) {
	return s.issueDepositAddress(ctx, domain.ChainSpark, userPublicKey, runeId, amount)
}

func (s *gatewayService) issueDepositAddress(
	ctx context.Context, chain domain.Chain, userPublicKey, runeId string, amount uint64,
) (string, error) {
	userKey, err := parsePubkey(userPublicKey)
	if err != nil {
		return "", invalidInput(err)
	}
	if _, err := runes.ParseRuneID(runeId); err != nil {
		return "", invalidInput(err)
	}
	if amount <= 0 {
		return "", invalidInput(fmt.Errorf("missing amount"))
	}

	meta, err := s.ensureMetadata(ctx, runeId)
	if err != nil {
		return "", err
	}
	baseAmount, err := meta.BaseAmount(amount)
	if err != nil {
		return "", invalidInput(err)
	}

	deposit := domain.NewDeposit(userPublicKey, runeId, baseAmount, chain, "")
	share, err := s.ensureUserShare(ctx, deposit.Id, runeId)
	if err != nil {
		return "", err
	}

	address, err := s.depositAddress(chain, share, userKey, baseAmount, runeId, deposit.Id)
	if err != nil {
		return "", err
	}

	verifierIds := make([]string, 0, len(s.verifiers))
	for _, verifier := range s.verifiers {
		verifierIds = append(verifierIds, verifier.Id)
	}
	events, err := deposit.IssueAddress(share.Id, address, verifierIds)
	if err != nil {
		return "", err
	}
	if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
		return "", err
	}

	log.Debugf(
		"issued %s deposit address %s for rune %s", chain, address, runeId,
	)
	return address, nil
}

// depositAddress derives the per-deposit key share.GroupKey + t*G and
// renders it for the target chain: a key-path-only taproot address on
// bitcoin, a spark identity address otherwise.
func (s *gatewayService) depositAddress(
	chain domain.Chain, share *domain.DkgShare,
	userKey *btcec.PublicKey, amount uint64, runeId, depositId string,
) (string, error) {
	groupKey, err := parsePubkey(share.GroupPublicKey)
	if err != nil {
		return "", err
	}
	requestId, err := uuid.Parse(depositId)
	if err != nil {
		return "", err
	}

	tweak := frost.IntentTweak(userKey, amount, runeId, requestId)
	depositKey, err := frost.TweakedKey(groupKey, tweak)
	if err != nil {
		return "", err
	}

	switch chain {
	case domain.ChainBitcoin:
		taprootKey := txscript.ComputeTaprootKeyNoScript(depositKey)
		address, err := btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(taprootKey), s.network,
		)
		if err != nil {
			return "", err
		}
		return address.EncodeAddress(), nil
	case domain.ChainSpark:
		return spark.EncodeAddress(depositKey, s.sparkNetwork)
	default:
		return "", fmt.Errorf("unknown chain %s", chain)
	}
}

func (s *gatewayService) BridgeRunes(ctx context.Context, request BridgeRunesRequest) error {
	if len(request.BtcAddress) <= 0 {
		return invalidInput(fmt.Errorf("missing btc address"))
	}
	if _, _, err := spark.DecodeAddress(request.BridgeAddress); err != nil {
		return invalidInput(fmt.Errorf("invalid bridge address: %s", err))
	}
	if err := validateTxid(request.Txid); err != nil {
		return invalidInput(err)
	}

	deposit, err := s.repoManager.Deposits().GetDepositWithAddress(ctx, request.BtcAddress)
	if err != nil {
		return err
	}
	if deposit == nil {
		return notFound("deposit address", request.BtcAddress)
	}
	if deposit.Chain != domain.ChainBitcoin {
		return invalidInput(fmt.Errorf("%s is not a bitcoin deposit address", request.BtcAddress))
	}

	unlock := s.locks.lock(deposit.Id)
	defer unlock()
	if deposit, err = s.repoManager.Deposits().GetDepositWithId(ctx, deposit.Id); err != nil {
		return err
	}

	outpoint := domain.Outpoint{Txid: request.Txid, VOut: request.VOut}
	info, err := s.indexer.GetOutpoint(ctx, outpoint)
	if err != nil {
		return err
	}
	if info == nil {
		return invalidInput(fmt.Errorf("outpoint %s not found", outpoint))
	}
	if info.Address != deposit.DepositAddress {
		return invalidInput(fmt.Errorf("outpoint %s does not pay the deposit address", outpoint))
	}
	if info.RuneId != deposit.RuneId {
		return invalidInput(fmt.Errorf("outpoint %s carries rune %s, expected %s", outpoint, info.RuneId, deposit.RuneId))
	}

	events, err := deposit.SetReceiver(request.BridgeAddress)
	if err != nil {
		return invalidInput(err)
	}
	recorded, err := deposit.RecordUtxo(outpoint, info.RuneAmount, info.Sats)
	if err != nil {
		return invalidInput(err)
	}
	if err := s.saveEvents(ctx, deposit.Id, append(events, recorded...)); err != nil {
		return err
	}

	if !deposit.AmountMatches() {
		detail := fmt.Sprintf(
			"observed %d base units, requested %d", deposit.ObservedAmount, deposit.Amount,
		)
		s.failDeposit(ctx, deposit, domain.FailureAmountMismatch, detail)
		return invalidInput(fmt.Errorf("deposit amount mismatch: %s", detail))
	}

	if err := s.ensureBridgeRequest(
		ctx, deposit.Id, domain.BridgeRunesRequest, deposit, nil, request.FeePayment,
	); err != nil {
		return err
	}

	meta, err := s.ensureMetadata(ctx, deposit.RuneId)
	if err != nil {
		return err
	}
	share, err := s.repoManager.DkgShares().GetShareWithId(ctx, deposit.ShareId)
	if err != nil {
		return err
	}
	if share == nil {
		return notFound("share", deposit.ShareId)
	}
	if err := s.registerIntent(ctx, s.signingIntent(deposit, share, meta.IssuerPublicKey)); err != nil {
		return err
	}

	log.Debugf("watching deposit %s at outpoint %s", deposit.Id, outpoint)
	return nil
}

func (s *gatewayService) ExitSpark(ctx context.Context, request ExitSparkRequest) error {
	if err := request.PayingInput.Validate(); err != nil {
		return invalidInput(err)
	}
	if err := validateTxid(request.PayingInput.Txid); err != nil {
		return invalidInput(err)
	}
	if _, err := btcutil.DecodeAddress(request.PayingInput.ExitAddress, s.network); err != nil {
		return invalidInput(fmt.Errorf("invalid exit address: %s", err))
	}

	deposit, err := s.repoManager.Deposits().GetDepositWithAddress(ctx, request.SparkAddress)
	if err != nil {
		return err
	}
	if deposit == nil {
		return notFound("deposit address", request.SparkAddress)
	}
	if deposit.Chain != domain.ChainSpark {
		return invalidInput(fmt.Errorf("%s is not a spark deposit address", request.SparkAddress))
	}

	unlock := s.locks.lock(deposit.Id)
	defer unlock()
	if deposit, err = s.repoManager.Deposits().GetDepositWithId(ctx, deposit.Id); err != nil {
		return err
	}

	payingOutpoint := request.PayingInput.Outpoint
	info, err := s.node.GetOutpoint(ctx, payingOutpoint)
	if err != nil {
		return err
	}
	if info == nil {
		return invalidInput(fmt.Errorf("paying outpoint %s not found or already spent", payingOutpoint))
	}
	if info.Value != int64(request.PayingInput.SatsAmount) {
		return invalidInput(fmt.Errorf(
			"paying outpoint %s holds %d sats, declared %d",
			payingOutpoint, info.Value, request.PayingInput.SatsAmount,
		))
	}

	meta, err := s.ensureMetadata(ctx, deposit.RuneId)
	if err != nil {
		return err
	}
	leaves, err := s.sparkClient.ListTokenLeaves(
		ctx, s.depositIdentityKey(deposit), meta.TokenIdentifier,
	)
	if err != nil {
		return err
	}
	if len(leaves) <= 0 {
		return invalidInput(fmt.Errorf("no wrapped runes received on %s", request.SparkAddress))
	}
	received := uint64(0)
	for _, leaf := range leaves {
		received += leaf.Amount
	}

	events, err := deposit.SetReceiver(request.PayingInput.ExitAddress)
	if err != nil {
		return invalidInput(err)
	}
	recorded, err := deposit.RecordUtxo(
		domain.Outpoint{Txid: leaves[0].ParentHash, VOut: leaves[0].ParentIndex}, received, 0,
	)
	if err != nil {
		return invalidInput(err)
	}
	if err := s.saveEvents(ctx, deposit.Id, append(events, recorded...)); err != nil {
		return err
	}

	if !deposit.AmountMatches() {
		detail := fmt.Sprintf(
			"received %d base units, requested %d", deposit.ObservedAmount, deposit.Amount,
		)
		s.failDeposit(ctx, deposit, domain.FailureAmountMismatch, detail)
		return invalidInput(fmt.Errorf("deposit amount mismatch: %s", detail))
	}

	payingInput := request.PayingInput
	if err := s.ensureBridgeRequest(
		ctx, payingOutpoint.String(), domain.ExitSparkRequest, deposit, &payingInput, request.FeePayment,
	); err != nil {
		return err
	}

	share, err := s.repoManager.DkgShares().GetShareWithId(ctx, deposit.ShareId)
	if err != nil {
		return err
	}
	if share == nil {
		return notFound("share", deposit.ShareId)
	}
	if err := s.registerIntent(ctx, s.signingIntent(deposit, share, meta.IssuerPublicKey)); err != nil {
		return err
	}

	log.Debugf("watching exit deposit %s on %s", deposit.Id, request.SparkAddress)
	return nil
}

// depositIdentityKey is the hex form of the key a spark deposit address
// wraps, used to query the operator for leaves owned by the deposit.
func (s *gatewayService) depositIdentityKey(deposit *domain.Deposit) string {
	key, _, err := spark.DecodeAddress(deposit.DepositAddress)
	if err != nil {
		return ""
	}
	return keyHex(key)
}

func (s *gatewayService) ensureBridgeRequest(
	ctx context.Context, id string, kind domain.RequestKind,
	deposit *domain.Deposit, payingInput *domain.PayingInput, feePayment *domain.FeePayment,
) error {
	existing, err := s.repoManager.BridgeRequests().GetRequestWithId(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.DepositId != deposit.Id {
			return invalidInput(fmt.Errorf("request id %s is already taken", id))
		}
		return nil
	}

	request, err := domain.NewBridgeRequest(id, kind, deposit.Id, deposit.UserPublicKey)
	if err != nil {
		return err
	}
	request.PayingInput = payingInput
	request.FeePayment = feePayment
	return s.repoManager.BridgeRequests().AddRequest(ctx, *request)
}

func (s *gatewayService) CancelBridgeRequest(ctx context.Context, btcAddress string) error {
	deposit, err := s.repoManager.Deposits().GetDepositWithAddress(ctx, btcAddress)
	if err != nil {
		return err
	}
	if deposit == nil {
		return notFound("deposit address", btcAddress)
	}

	unlock := s.locks.lock(deposit.Id)
	defer unlock()
	if deposit, err = s.repoManager.Deposits().GetDepositWithId(ctx, deposit.Id); err != nil {
		return err
	}
	if deposit.Status == domain.CancelledStatus {
		return nil
	}

	events, err := deposit.Cancel()
	if err != nil {
		return invalidInput(err)
	}
	if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
		return err
	}

	log.Debugf("cancelled deposit %s", deposit.Id)
	return nil
}

func (s *gatewayService) NotifyDeposit(
	ctx context.Context, notification ports.DepositNotification,
) error {
	if !s.knownVerifier(notification.VerifierId) {
		return invalidInput(fmt.Errorf("unknown verifier %s", notification.VerifierId))
	}

	var verdict domain.VerifierStatus
	switch notification.Status {
	case ports.NotifyStatusConfirmed:
		verdict = domain.VerifierConfirmed
	case ports.NotifyStatusPending:
		verdict = domain.VerifierWaiting
	case ports.NotifyStatusFailed:
		verdict = domain.VerifierFailed
	default:
		return invalidInput(fmt.Errorf("unknown notification status %q", notification.Status))
	}

	var deposit *domain.Deposit
	var err error
	switch {
	case notification.Outpoint != nil:
		deposit, err = s.repoManager.Deposits().GetDepositWithTxid(ctx, notification.Outpoint.Txid)
	case len(notification.SparkAddress) > 0:
		deposit, err = s.repoManager.Deposits().GetDepositWithAddress(ctx, notification.SparkAddress)
	default:
		return invalidInput(fmt.Errorf("missing deposit reference"))
	}
	if err != nil {
		return err
	}
	if deposit == nil {
		return notFound("deposit", "for notification")
	}

	unlock := s.locks.lock(deposit.Id)
	defer unlock()
	if deposit, err = s.repoManager.Deposits().GetDepositWithId(ctx, deposit.Id); err != nil {
		return err
	}
	if deposit.Status != domain.UtxoSeenStatus {
		// late verdicts after finalisation or failure are harmless
		return nil
	}

	events, err := deposit.RecordVerdict(
		notification.VerifierId, verdict, notification.SatsFeeAmount,
	)
	if err != nil {
		return invalidInput(err)
	}
	if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
		return err
	}

	if verdict == domain.VerifierFailed && deterministicReason(notification.Reason) {
		s.failDeposit(ctx, deposit, notification.Reason, notification.Detail)
		return nil
	}

	s.tryFinalize(ctx, deposit)
	return nil
}

func (s *gatewayService) GetActivity(
	ctx context.Context, userPublicKey string,
) ([]ActivityItem, error) {
	if _, err := parsePubkey(userPublicKey); err != nil {
		return nil, invalidInput(err)
	}

	deposits, err := s.repoManager.Deposits().GetDepositsWithUserKey(ctx, userPublicKey)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(deposits, func(i, j int) bool {
		return deposits[i].CreatedAt > deposits[j].CreatedAt
	})

	metaCache := make(map[string]*domain.WruneMetadata)
	items := make([]ActivityItem, 0, len(deposits))
	for i := range deposits {
		items = append(items, s.activityItem(ctx, &deposits[i], metaCache))
	}
	return items, nil
}

func (s *gatewayService) GetTransaction(ctx context.Context, txid string) (*ActivityItem, error) {
	if err := validateTxid(txid); err != nil {
		return nil, invalidInput(err)
	}

	deposit, err := s.repoManager.Deposits().GetDepositWithTxid(ctx, txid)
	if err != nil {
		return nil, err
	}
	if deposit == nil {
		return nil, notFound("transaction", txid)
	}

	item := s.activityItem(ctx, deposit, make(map[string]*domain.WruneMetadata))
	return &item, nil
}

func (s *gatewayService) ListWrunes(ctx context.Context) ([]domain.WruneMetadata, error) {
	all, err := s.repoManager.WruneMetadata().GetAllMetadata(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].RuneId < all[j].RuneId })
	return all, nil
}

func (s *gatewayService) activityItem(
	ctx context.Context, deposit *domain.Deposit, metaCache map[string]*domain.WruneMetadata,
) ActivityItem {
	item := ActivityItem{
		RuneId:         deposit.RuneId,
		Amount:         deposit.Amount,
		Status:         deposit.ExternalStatus(),
		FailureReason:  deposit.FailureReason,
		SettlementTxid: deposit.SettlementTxid,
	}
	switch deposit.Chain {
	case domain.ChainBitcoin:
		item.BtcDepositAddress = deposit.DepositAddress
		item.SparkBridgeAddress = deposit.ReceiverAddress
	case domain.ChainSpark:
		item.SparkBridgeAddress = deposit.DepositAddress
	}
	if deposit.Outpoint != nil {
		confirmations := deposit.Confirmations
		txid := deposit.Outpoint.Txid
		vout := deposit.Outpoint.VOut
		item.Confirmations = &confirmations
		item.Txid = &txid
		item.VOut = &vout
	}

	meta, ok := metaCache[deposit.RuneId]
	if !ok {
		var err error
		meta, err = s.repoManager.WruneMetadata().GetMetadataWithRuneId(ctx, deposit.RuneId)
		if err != nil {
			log.WithError(err).Warnf("failed to load metadata for rune %s", deposit.RuneId)
		}
		metaCache[deposit.RuneId] = meta
	}
	item.WruneMetadata = meta
	return item
}

// ensureMetadata returns the cached wrune record for the rune, creating it
// from the indexer and the per-rune issuer share the first time the rune is
// bridged.
func (s *gatewayService) ensureMetadata(
	ctx context.Context, runeId string,
) (*domain.WruneMetadata, error) {
	meta, err := s.repoManager.WruneMetadata().GetMetadataWithRuneId(ctx, runeId)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		return meta, nil
	}

	info, err := s.indexer.GetRuneInfo(ctx, runeId)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, notFound("rune", runeId)
	}

	issuerShare, err := s.ensureIssuerShare(ctx, runeId)
	if err != nil {
		return nil, err
	}
	issuerKey, err := parsePubkey(issuerShare.GroupPublicKey)
	if err != nil {
		return nil, err
	}
	identifier := spark.WruneTokenIdentifier(runeId, issuerKey)

	meta, err = domain.NewWruneMetadata(
		runeId, info.Name, info.Symbol, info.Divisibility, info.Supply,
		identifier.String(), issuerShare.GroupPublicKey,
		s.network.Name, s.sparkNetwork.String(),
	)
	if err != nil {
		return nil, err
	}
	if err := s.repoManager.WruneMetadata().UpsertMetadata(ctx, *meta); err != nil {
		return nil, err
	}

	log.Debugf("cached wrune metadata for rune %s (%s)", runeId, info.Name)
	return meta, nil
}

func (s *gatewayService) signingIntent(
	deposit *domain.Deposit, share *domain.DkgShare, issuerPublicKey string,
) ports.SigningIntent {
	intent := ports.SigningIntent{
		DepositId:       deposit.Id,
		UserPublicKey:   deposit.UserPublicKey,
		RuneId:          deposit.RuneId,
		Amount:          deposit.Amount,
		Chain:           deposit.Chain,
		ReceiverAddress: deposit.ReceiverAddress,
		DepositAddress:  deposit.DepositAddress,
		ShareId:         deposit.ShareId,
		GroupPublicKey:  share.GroupPublicKey,
		IssuerPublicKey: issuerPublicKey,
		Outpoint:        deposit.Outpoint,
	}
	if deposit.Chain == domain.ChainSpark {
		intent.ExitAddress = deposit.ReceiverAddress
	}
	return intent
}

func (s *gatewayService) registerIntent(ctx context.Context, intent ports.SigningIntent) error {
	fanoutCtx, cancel := context.WithTimeout(ctx, s.roundTimeout)
	defer cancel()

	return workPool(s.verifiers, len(s.verifiers), func(verifier VerifierInfo) error {
		if err := s.transport.RegisterIntent(fanoutCtx, verifier.Id, intent); err != nil {
			return fmt.Errorf("verifier %s: %w", verifier.Id, err)
		}
		return nil
	})
}

func (s *gatewayService) revokeIntent(depositId string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.roundTimeout)
	defer cancel()

	for _, verifier := range s.verifiers {
		if err := s.transport.RevokeIntent(ctx, verifier.Id, depositId); err != nil {
			log.WithError(err).Warnf(
				"failed to revoke intent %s on verifier %s", depositId, verifier.Id,
			)
		}
	}
}

func (s *gatewayService) knownVerifier(id string) bool {
	for _, verifier := range s.verifiers {
		if verifier.Id == id {
			return true
		}
	}
	return false
}

func (s *gatewayService) saveEvents(
	ctx context.Context, id string, events []domain.DepositEvent,
) error {
	if len(events) <= 0 {
		return nil
	}
	deposit, err := s.repoManager.DepositEvents().Save(ctx, id, events...)
	if err != nil {
		return err
	}
	return s.repoManager.Deposits().AddOrUpdateDeposit(ctx, *deposit)
}

func (s *gatewayService) failDeposit(
	ctx context.Context, deposit *domain.Deposit, reason, detail string,
) {
	events := deposit.Fail(reason, detail)
	if len(events) <= 0 {
		return
	}
	if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
		log.WithError(err).Warnf("failed to persist failure of deposit %s", deposit.Id)
		return
	}
	log.Warnf("deposit %s failed: %s (%s)", deposit.Id, reason, detail)
	go s.revokeIntent(deposit.Id)
}

func (s *gatewayService) tryFinalize(ctx context.Context, deposit *domain.Deposit) {
	events, err := deposit.Finalize(s.finalityDepth)
	if err != nil || len(events) <= 0 {
		return
	}
	if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
		log.WithError(err).Warnf("failed to finalise deposit %s", deposit.Id)
		return
	}
	log.Debugf("deposit %s finalised", deposit.Id)
}

func (s *gatewayService) onDepositUpdated(deposit *domain.Deposit) {
	if deposit.Status != domain.FinalisedStatus {
		return
	}
	go func() {
		ctx := context.Background()
		request, err := s.repoManager.BridgeRequests().GetRequestWithDepositId(ctx, deposit.Id)
		if err != nil || request == nil {
			return
		}
		if request.Status != domain.RequestPending {
			return
		}
		select {
		case s.dispatchC <- request.Id:
		default:
		}
	}()
}

func (s *gatewayService) listenToDispatch() {
	for {
		select {
		case <-s.stopC:
			return
		case requestId := <-s.dispatchC:
			if err := s.runBridgeRequest(requestId); err != nil {
				log.WithError(err).Warnf("failed to process bridge request %s", requestId)
			}
		}
	}
}

// recoverPendingWork runs once at startup. Signing sessions cannot survive a
// restart, their secret nonces are gone with the process, so live ones are
// failed and their requests returned to the queue.
func (s *gatewayService) recoverPendingWork() {
	ctx := context.Background()

	sessions, err := s.repoManager.SigningSessions().GetActiveSessions(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to load active signing sessions")
	}
	for i := range sessions {
		session := sessions[i]
		session.Fail("interrupted by restart")
		if err := s.repoManager.SigningSessions().AddOrUpdateSession(ctx, session); err != nil {
			log.WithError(err).Warnf("failed to fail session %s", session.Id)
		}
	}

	requests, err := s.repoManager.BridgeRequests().GetRequestsWithStatus(
		ctx, domain.RequestProcessing,
	)
	if err != nil {
		log.WithError(err).Warn("failed to load processing bridge requests")
	}
	for i := range requests {
		request := requests[i]
		if err := request.Requeue("interrupted by restart"); err != nil {
			continue
		}
		if err := s.repoManager.BridgeRequests().UpdateRequest(ctx, request); err != nil {
			log.WithError(err).Warnf("failed to requeue request %s", request.Id)
		}
	}

	s.reconcile()
}

// watchDeposits polls the gateway's own indexer for every deposit waiting on
// confirmations and updates the recorded depth, detecting reorgs and
// double spends on the way.
func (s *gatewayService) watchDeposits() {
	ctx := context.Background()
	deposits, err := s.repoManager.Deposits().GetDepositsWithStatus(ctx, domain.UtxoSeenStatus)
	if err != nil {
		log.WithError(err).Warn("failed to load deposits waiting for confirmations")
		return
	}
	for i := range deposits {
		s.checkDepositConfirmations(ctx, deposits[i].Id)
	}
}

func (s *gatewayService) checkDepositConfirmations(ctx context.Context, depositId string) {
	unlock := s.locks.lock(depositId)
	defer unlock()

	deposit, err := s.repoManager.Deposits().GetDepositWithId(ctx, depositId)
	if err != nil || deposit == nil {
		return
	}
	if deposit.Status != domain.UtxoSeenStatus || deposit.Outpoint == nil {
		return
	}

	switch deposit.Chain {
	case domain.ChainBitcoin:
		info, err := s.indexer.GetOutpoint(ctx, *deposit.Outpoint)
		if err != nil {
			log.WithError(err).Warnf("failed to query outpoint of deposit %s", deposit.Id)
			return
		}
		if info == nil {
			if deposit.Confirmations >= s.finalityDepth {
				s.failDeposit(
					ctx, deposit, domain.FailureDoubleSpend,
					"outpoint vanished beyond the finality depth",
				)
				log.Errorf(
					"deposit %s lost outpoint %s after %d confirmations",
					deposit.Id, deposit.Outpoint, deposit.Confirmations,
				)
				return
			}
			events, err := deposit.Reorg(s.finalityDepth)
			if err != nil {
				return
			}
			if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
				log.WithError(err).Warnf("failed to reorg deposit %s", deposit.Id)
				return
			}
			log.Warnf("deposit %s reorged back to issued", deposit.Id)
			return
		}
		events, err := deposit.UpdateConfirmations(info.Confirmations)
		if err != nil {
			return
		}
		if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
			log.WithError(err).Warnf("failed to update confirmations of deposit %s", deposit.Id)
			return
		}
		s.tryFinalize(ctx, deposit)
	case domain.ChainSpark:
		info, err := s.sparkClient.GetTokenTransaction(ctx, deposit.Outpoint.Txid)
		if err != nil {
			log.WithError(err).Warnf("failed to query token transaction of deposit %s", deposit.Id)
			return
		}
		if info == nil || !info.Finalized {
			return
		}
		events, err := deposit.UpdateConfirmations(s.finalityDepth)
		if err != nil {
			return
		}
		if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
			log.WithError(err).Warnf("failed to update confirmations of deposit %s", deposit.Id)
			return
		}
		s.tryFinalize(ctx, deposit)
	}
}

// reconcile re-enqueues pending requests whose deposit is ready and settles
// broadcast exits once the exit transaction confirms.
func (s *gatewayService) reconcile() {
	ctx := context.Background()

	pending, err := s.repoManager.BridgeRequests().GetRequestsWithStatus(ctx, domain.RequestPending)
	if err != nil {
		log.WithError(err).Warn("failed to load pending bridge requests")
	}
	for _, request := range pending {
		select {
		case s.dispatchC <- request.Id:
		default:
		}
	}

	completed, err := s.repoManager.BridgeRequests().GetRequestsWithStatus(ctx, domain.RequestCompleted)
	if err != nil {
		log.WithError(err).Warn("failed to load completed bridge requests")
		return
	}
	for i := range completed {
		request := completed[i]
		if request.Kind != domain.ExitSparkRequest {
			continue
		}
		s.settleBroadcastExit(ctx, &request)
	}
}

func (s *gatewayService) settleBroadcastExit(ctx context.Context, request *domain.BridgeRequest) {
	unlock := s.locks.lock(request.DepositId)
	defer unlock()

	deposit, err := s.repoManager.Deposits().GetDepositWithId(ctx, request.DepositId)
	if err != nil || deposit == nil {
		return
	}
	if deposit.Status != domain.FinalisedStatus {
		return
	}

	confirmations, err := s.node.GetTransactionConfirmations(ctx, request.Txid)
	if err != nil {
		log.WithError(err).Warnf("failed to query exit transaction %s", request.Txid)
		return
	}
	if confirmations < 1 {
		return
	}

	events, err := deposit.Settle(request.Txid)
	if err != nil {
		return
	}
	if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
		log.WithError(err).Warnf("failed to settle exit deposit %s", deposit.Id)
		return
	}
	s.confirmChangeUtxo(ctx, request.Txid)
	log.Debugf("exit deposit %s settled by %s", deposit.Id, request.Txid)
}

// confirmChangeUtxo flips the rune change of a confirmed exit back into the
// spendable pool.
func (s *gatewayService) confirmChangeUtxo(ctx context.Context, txid string) {
	key := domain.Outpoint{Txid: txid, VOut: changeOutputIndex}
	utxos, err := s.repoManager.Utxos().GetUtxos(ctx, []domain.Outpoint{key})
	if err != nil || len(utxos) <= 0 {
		return
	}
	if utxos[0].Status != domain.UtxoPending {
		return
	}
	if err := s.repoManager.Utxos().ConfirmUtxos(ctx, []domain.Outpoint{key}); err != nil {
		log.WithError(err).Warnf("failed to confirm the change utxo of %s", txid)
	}
}

// RefreshMetadata re-reads the indexer record of every cached rune and
// folds in supply and naming changes. Runes the indexer cannot resolve are
// skipped and retried on the next pass.
func (s *gatewayService) RefreshMetadata(ctx context.Context) error {
	all, err := s.repoManager.WruneMetadata().GetAllMetadata(ctx)
	if err != nil {
		return err
	}

	for _, meta := range all {
		info, err := s.indexer.GetRuneInfo(ctx, meta.RuneId)
		if err != nil || info == nil {
			continue
		}
		if info.Name == meta.Name && info.Symbol == meta.Symbol && info.Supply == meta.Supply {
			continue
		}
		meta.Name = info.Name
		meta.Symbol = info.Symbol
		meta.Supply = info.Supply
		meta.UpdatedAt = time.Now().Unix()
		if err := s.repoManager.WruneMetadata().UpsertMetadata(ctx, meta); err != nil {
			log.WithError(err).Warnf("failed to refresh metadata for rune %s", meta.RuneId)
		}
	}
	return nil
}

func (s *gatewayService) refreshMetadata() {
	if err := s.RefreshMetadata(context.Background()); err != nil {
		log.WithError(err).Warn("failed to refresh wrune metadata")
	}
}

func (s *gatewayService) collectSessions() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.sessionTTL).Unix()
	count, err := s.repoManager.SigningSessions().DeleteSessionsEndedBefore(ctx, cutoff)
	if err != nil {
		log.WithError(err).Warn("failed to garbage collect signing sessions")
		return
	}
	if count > 0 {
		log.Debugf("garbage collected %d signing sessions", count)
	}
}
