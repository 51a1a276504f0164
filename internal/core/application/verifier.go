package application

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/frost"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/runes"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/sealedbox"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/spark"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type verifierService struct {
	// services
	repoManager ports.RepoManager
	indexer     ports.RuneIndexer
	sparkClient ports.SparkClient
	builder     ports.TxBuilder
	gateway     ports.GatewayClient
	scheduler   ports.SchedulerService

	// config
	verifierId    string
	network       *chaincfg.Params
	sparkNetwork  spark.Network
	identityKey   *btcec.PrivateKey
	gatewayKey    *btcec.PublicKey
	signerIndex   uint32
	totalSigners  uint32
	finalityDepth uint64
	watchInterval time.Duration
	sessionTTL    time.Duration

	holder *frostSessionHolder

	// last verdict sent per deposit, so the watch loop only notifies on
	// change. Rebuilt empty after a restart: the one duplicate per deposit
	// is absorbed by the gateway's verdict no-op.
	verdictLock sync.Mutex
	verdicts    map[string]string

	stopC chan struct{}
}

func NewVerifierService(
	config VerifierConfig,
	repoManager ports.RepoManager,
	indexer ports.RuneIndexer,
	sparkClient ports.SparkClient,
	builder ports.TxBuilder,
	gateway ports.GatewayClient,
	scheduler ports.SchedulerService,
) (VerifierService, error) {
	if len(config.VerifierId) <= 0 {
		return nil, fmt.Errorf("missing verifier id")
	}
	if config.IdentityKey == nil {
		return nil, fmt.Errorf("missing identity key")
	}
	gatewayKey, err := parsePubkey(config.GatewayPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway public key: %s", err)
	}
	// the gateway always signs as participant 1
	if config.SignerIndex < 2 || config.SignerIndex > config.TotalSigners {
		return nil, fmt.Errorf(
			"invalid signer index %d for %d signers", config.SignerIndex, config.TotalSigners,
		)
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

	svc := &verifierService{
		repoManager:   repoManager,
		indexer:       indexer,
		sparkClient:   sparkClient,
		builder:       builder,
		gateway:       gateway,
		scheduler:     scheduler,
		verifierId:    config.VerifierId,
		network:       network,
		sparkNetwork:  sparkNetwork,
		identityKey:   config.IdentityKey,
		gatewayKey:    gatewayKey,
		signerIndex:   config.SignerIndex,
		totalSigners:  config.TotalSigners,
		finalityDepth: config.FinalityDepth,
		watchInterval: config.WatchInterval,
		sessionTTL:    config.SessionTTL,
		holder:        newFrostSessionHolder(),
		verdicts:      make(map[string]string),
		stopC:         make(chan struct{}),
	}
	if svc.watchInterval <= 0 {
		svc.watchInterval = 30 * time.Second
	}
	if svc.sessionTTL <= 0 {
		svc.sessionTTL = 10 * time.Minute
	}
	return svc, nil
}

func (v *verifierService) Start() error {
	log.Debugf("starting verifier service %s", v.verifierId)
	if err := v.scheduler.ScheduleTaskEvery(v.watchInterval, v.watchIntents); err != nil {
		return err
	}
	if err := v.scheduler.ScheduleTaskEvery(v.sessionTTL, v.collectSessions); err != nil {
		return err
	}
	v.scheduler.Start()
	return nil
}

func (v *verifierService) Stop() {
	v.scheduler.Stop()
	close(v.stopC)
	v.gateway.Close()
	v.sparkClient.Close()
	v.indexer.Close()
	v.repoManager.Close()
	log.Debugf("stopped verifier service %s", v.verifierId)
}

// RegisterIntent accepts a watch request after recomputing everything the
// gateway claims from first principles: the verifier derives the tweak and
// the deposit address itself and refuses when they disagree. It never trusts
// an address it did not derive.
func (v *verifierService) RegisterIntent(ctx context.Context, intent ports.SigningIntent) error {
	userKey, err := parsePubkey(intent.UserPublicKey)
	if err != nil {
		return invalidInput(err)
	}
	requestId, err := uuid.Parse(intent.DepositId)
	if err != nil {
		return invalidInput(fmt.Errorf("invalid deposit id: %s", err))
	}
	if intent.Amount <= 0 {
		return invalidInput(fmt.Errorf("missing amount"))
	}
	if _, err := runes.ParseRuneID(intent.RuneId); err != nil {
		return invalidInput(err)
	}
	if _, err := parsePubkey(intent.IssuerPublicKey); err != nil {
		return invalidInput(fmt.Errorf("invalid issuer key: %s", err))
	}

	share, err := v.repoManager.DkgShares().GetShareWithGroupKey(ctx, intent.GroupPublicKey)
	if err != nil {
		return err
	}
	if share == nil || share.Id != intent.ShareId {
		return v.refuse(ports.RefusalUnknownIntent, fmt.Sprintf(
			"no share with group key %s", intent.GroupPublicKey,
		))
	}
	groupKey, err := parsePubkey(intent.GroupPublicKey)
	if err != nil {
		return invalidInput(err)
	}

	tweak := frost.IntentTweak(userKey, intent.Amount, intent.RuneId, requestId)
	depositKey, err := frost.TweakedKey(groupKey, tweak)
	if err != nil {
		return err
	}

	var derived string
	switch intent.Chain {
	case domain.ChainBitcoin:
		if intent.Outpoint == nil {
			return invalidInput(fmt.Errorf("missing deposit outpoint"))
		}
		taprootKey := txscript.ComputeTaprootKeyNoScript(depositKey)
		address, err := btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(taprootKey), v.network,
		)
		if err != nil {
			return err
		}
		derived = address.EncodeAddress()
	case domain.ChainSpark:
		if _, err := btcutil.DecodeAddress(intent.ExitAddress, v.network); err != nil {
			return invalidInput(fmt.Errorf("invalid exit address: %s", err))
		}
		derived, err = spark.EncodeAddress(depositKey, v.sparkNetwork)
		if err != nil {
			return err
		}
	default:
		return invalidInput(fmt.Errorf("unknown chain %s", intent.Chain))
	}
	if derived != intent.DepositAddress {
		return v.refuse(ports.RefusalAddressMismatch, fmt.Sprintf(
			"derived %s from the intent, gateway claims %s", derived, intent.DepositAddress,
		))
	}

	if err := v.repoManager.Intents().UpsertIntent(ctx, intent); err != nil {
		return err
	}
	log.Debugf("watching %s deposit %s at %s", intent.Chain, intent.DepositId, derived)
	return nil
}

func (v *verifierService) RevokeIntent(ctx context.Context, depositId string) error {
	if err := v.repoManager.Intents().DeleteIntent(ctx, depositId); err != nil {
		return err
	}
	v.verdictLock.Lock()
	delete(v.verdicts, depositId)
	v.verdictLock.Unlock()
	log.Debugf("dropped intent %s", depositId)
	return nil
}

// NotifyRunesDeposit lets the indexer push a funding event instead of
// waiting for the next watch tick. The push is only a hint: the verdict
// still comes from the verifier's own check of the stored intent.
func (v *verifierService) NotifyRunesDeposit(ctx context.Context, outpoint domain.Outpoint) error {
	intents, err := v.repoManager.Intents().GetAllIntents(ctx)
	if err != nil {
		return err
	}
	for i := range intents {
		intent := intents[i]
		if intent.Chain != domain.ChainBitcoin || intent.Outpoint == nil {
			continue
		}
		if *intent.Outpoint != outpoint {
			continue
		}
		notification := v.checkRunesIntent(ctx, intent)
		notification.VerifierId = v.verifierId
		if !v.verdictChanged(intent.DepositId, notification) {
			return nil
		}
		if err := v.gateway.NotifyRunesDeposit(ctx, notification); err != nil {
			v.forgetVerdict(intent.DepositId)
			return err
		}
		return nil
	}
	return notFound("watch intent", outpoint.String())
}

// watchIntents re-checks every stored intent against the verifier's own
// chain view and reports verdict changes to the gateway.
func (v *verifierService) watchIntents() {
	ctx := context.Background()
	intents, err := v.repoManager.Intents().GetAllIntents(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to load watch intents")
		return
	}

	for i := range intents {
		select {
		case <-v.stopC:
			return
		default:
		}

		intent := intents[i]
		var notification ports.DepositNotification
		switch intent.Chain {
		case domain.ChainBitcoin:
			notification = v.checkRunesIntent(ctx, intent)
		case domain.ChainSpark:
			notification = v.checkSparkIntent(ctx, intent)
		default:
			continue
		}
		notification.VerifierId = v.verifierId

		if !v.verdictChanged(intent.DepositId, notification) {
			continue
		}
		var sendErr error
		switch intent.Chain {
		case domain.ChainBitcoin:
			sendErr = v.gateway.NotifyRunesDeposit(ctx, notification)
		case domain.ChainSpark:
			sendErr = v.gateway.NotifySparkDeposit(ctx, notification)
		}
		if sendErr != nil {
			log.WithError(sendErr).Warnf("failed to notify verdict for deposit %s", intent.DepositId)
			v.forgetVerdict(intent.DepositId)
		}
	}
}

// checkRunesIntent inspects the claimed funding outpoint through the
// verifier's own indexer. Missing outpoints stay pending: the indexer may
// lag or the tx may have been reorged, neither is a final verdict.
func (v *verifierService) checkRunesIntent(
	ctx context.Context, intent ports.SigningIntent,
) ports.DepositNotification {
	notification := ports.DepositNotification{Outpoint: intent.Outpoint}

	info, err := v.indexer.GetOutpoint(ctx, *intent.Outpoint)
	if err != nil || info == nil {
		notification.Status = ports.NotifyStatusPending
		return notification
	}
	notification.SatsFeeAmount = info.Sats

	switch {
	case info.Address != intent.DepositAddress:
		notification.Status = ports.NotifyStatusFailed
		notification.Reason = ports.RefusalAddressMismatch
		notification.Detail = fmt.Sprintf(
			"outpoint %s pays %s, not the deposit address", intent.Outpoint, info.Address,
		)
	case info.RuneId != intent.RuneId:
		notification.Status = ports.NotifyStatusFailed
		notification.Reason = domain.FailureUnknownRune
		notification.Detail = fmt.Sprintf(
			"outpoint %s carries rune %s, expected %s", intent.Outpoint, info.RuneId, intent.RuneId,
		)
	case info.RuneAmount != intent.Amount:
		notification.Status = ports.NotifyStatusFailed
		notification.Reason = domain.FailureAmountMismatch
		notification.Detail = fmt.Sprintf(
			"outpoint %s carries %d base units, expected %d",
			intent.Outpoint, info.RuneAmount, intent.Amount,
		)
	case info.Confirmations < v.finalityDepth:
		notification.Status = ports.NotifyStatusPending
	default:
		notification.Status = ports.NotifyStatusConfirmed
	}
	return notification
}

// checkSparkIntent inspects the wrapped-token balance of the deposit key
// through the verifier's own operator connection. More leaves than promised
// is a mismatch, fewer may still be in flight.
func (v *verifierService) checkSparkIntent(
	ctx context.Context, intent ports.SigningIntent,
) ports.DepositNotification {
	notification := ports.DepositNotification{SparkAddress: intent.DepositAddress}

	identifier, err := v.wruneIdentifier(intent)
	if err != nil {
		notification.Status = ports.NotifyStatusPending
		return notification
	}
	depositKey, _, err := spark.DecodeAddress(intent.DepositAddress)
	if err != nil {
		notification.Status = ports.NotifyStatusFailed
		notification.Reason = ports.RefusalAddressMismatch
		notification.Detail = fmt.Sprintf("undecodable deposit address: %s", err)
		return notification
	}
	leaves, err := v.sparkClient.ListTokenLeaves(ctx, keyHex(depositKey), identifier.String())
	if err != nil || len(leaves) <= 0 {
		notification.Status = ports.NotifyStatusPending
		return notification
	}

	received := uint64(0)
	for _, leaf := range leaves {
		received += leaf.Amount
	}
	if received > intent.Amount {
		notification.Status = ports.NotifyStatusFailed
		notification.Reason = domain.FailureAmountMismatch
		notification.Detail = fmt.Sprintf(
			"received %d base units, expected %d", received, intent.Amount,
		)
		return notification
	}
	if received < intent.Amount {
		notification.Status = ports.NotifyStatusPending
		return notification
	}

	for _, leaf := range leaves {
		tx, err := v.sparkClient.GetTokenTransaction(ctx, leaf.ParentHash)
		if err != nil || tx == nil || !tx.Finalized {
			notification.Status = ports.NotifyStatusPending
			return notification
		}
	}
	notification.Status = ports.NotifyStatusConfirmed
	return notification
}

func (v *verifierService) verdictChanged(depositId string, n ports.DepositNotification) bool {
	fingerprint := fmt.Sprintf("%s|%s|%d", n.Status, n.Reason, n.SatsFeeAmount)

	v.verdictLock.Lock()
	defer v.verdictLock.Unlock()
	if v.verdicts[depositId] == fingerprint {
		return false
	}
	v.verdicts[depositId] = fingerprint
	return true
}

func (v *verifierService) forgetVerdict(depositId string) {
	v.verdictLock.Lock()
	delete(v.verdicts, depositId)
	v.verdictLock.Unlock()
}

// HandleDkgRound1 joins a key generation ceremony: the verifier checks the
// parameters against its own configuration and commits to a fresh
// polynomial.
func (v *verifierService) HandleDkgRound1(
	ctx context.Context, request ports.DkgRound1Request,
) ([]byte, error) {
	if len(request.CeremonyId) <= 0 {
		return nil, invalidInput(fmt.Errorf("missing ceremony id"))
	}
	if request.Index != v.signerIndex {
		return nil, invalidInput(fmt.Errorf(
			"asked to sign as participant %d, configured as %d", request.Index, v.signerIndex,
		))
	}
	if request.Total != v.totalSigners {
		return nil, invalidInput(fmt.Errorf(
			"ceremony of %d signers, configured for %d", request.Total, v.totalSigners,
		))
	}
	// every key is a signer, partial participation is not supported
	if request.Threshold != request.Total {
		return nil, invalidInput(fmt.Errorf(
			"threshold %d below the signer count %d", request.Threshold, request.Total,
		))
	}
	if len(request.ParticipantKeys) != int(request.Total) {
		return nil, invalidInput(fmt.Errorf(
			"%d participant keys for %d signers", len(request.ParticipantKeys), request.Total,
		))
	}

	participantKeys := make([]*btcec.PublicKey, 0, len(request.ParticipantKeys))
	for i, encoded := range request.ParticipantKeys {
		key, err := parsePubkey(encoded)
		if err != nil {
			return nil, invalidInput(fmt.Errorf("participant %d: %s", i+1, err))
		}
		participantKeys = append(participantKeys, key)
	}
	if !participantKeys[0].IsEqual(v.gatewayKey) {
		return nil, invalidInput(fmt.Errorf("participant 1 is not the configured gateway"))
	}
	if !participantKeys[v.signerIndex-1].IsEqual(v.identityKey.PubKey()) {
		return nil, invalidInput(fmt.Errorf(
			"participant %d key is not this verifier", v.signerIndex,
		))
	}

	participant, err := frost.NewKeygenParticipant(request.Index, request.Total)
	if err != nil {
		return nil, err
	}
	pkg, err := participant.Round1()
	if err != nil {
		return nil, err
	}
	v.holder.addCeremony(request.CeremonyId, &keygenState{
		participant:     participant,
		participantKeys: participantKeys,
		createdAt:       time.Now(),
	})

	log.Debugf("joined keygen ceremony %s as participant %d", request.CeremonyId, request.Index)
	return json.Marshal(pkg)
}

// HandleDkgRound2 verifies everyone's commitments and returns the secret
// evaluations for the other participants, each sealed under the recipient's
// static key so the relaying gateway cannot read them.
func (v *verifierService) HandleDkgRound2(
	ctx context.Context, request ports.DkgRound2Request,
) ([]byte, error) {
	state := v.holder.getCeremony(request.CeremonyId)
	if state == nil {
		return nil, notFound("keygen ceremony", request.CeremonyId)
	}

	packages := make(map[uint32]*frost.KeygenRound1)
	if err := json.Unmarshal(request.Packages, &packages); err != nil {
		return nil, invalidInput(fmt.Errorf("invalid round-1 package set: %s", err))
	}
	shares, err := state.participant.Round2(packages)
	if err != nil {
		v.holder.deleteCeremony(request.CeremonyId)
		return nil, err
	}

	sealed := make(map[uint32][]byte, len(shares))
	for recipient, share := range shares {
		if recipient == 0 || int(recipient) > len(state.participantKeys) {
			return nil, fmt.Errorf("share recipient %d out of range", recipient)
		}
		plain, err := json.Marshal(share)
		if err != nil {
			return nil, err
		}
		box, err := sealedbox.Seal(state.participantKeys[recipient-1], plain)
		if err != nil {
			return nil, err
		}
		sealed[recipient] = box
	}
	return json.Marshal(sealed)
}

// HandleDkgFinalize opens the sealed shares addressed to this verifier,
// derives the long-lived key share and stores it with the secret sealed back
// under the verifier's own identity key. The answered group key lets the
// coordinator detect any divergence.
func (v *verifierService) HandleDkgFinalize(
	ctx context.Context, request ports.DkgFinalizeRequest,
) ([]byte, error) {
	state := v.holder.getCeremony(request.CeremonyId)
	if state == nil {
		return nil, notFound("keygen ceremony", request.CeremonyId)
	}

	sealed := make(map[uint32][]byte)
	if err := json.Unmarshal(request.Shares, &sealed); err != nil {
		return nil, invalidInput(fmt.Errorf("invalid sealed share set: %s", err))
	}
	received := make(map[uint32]*frost.SecretShare, len(sealed))
	for sender, box := range sealed {
		plain, err := sealedbox.Open(v.identityKey, box)
		if err != nil {
			return nil, fmt.Errorf("share from participant %d: %s", sender, err)
		}
		share := &frost.SecretShare{}
		if err := json.Unmarshal(plain, share); err != nil {
			return nil, fmt.Errorf("share from participant %d: %s", sender, err)
		}
		received[sender] = share
	}

	keyShare, err := state.participant.Finalize(received)
	if err != nil {
		v.holder.deleteCeremony(request.CeremonyId)
		return nil, err
	}
	groupKey := keyHex(keyShare.Public.GroupKey)

	publicShares, err := json.Marshal(keyShare.Public)
	if err != nil {
		return nil, err
	}
	secret := keyShare.Secret.Bytes()
	encryptedSecret, err := sealedbox.Seal(v.identityKey.PubKey(), secret[:])
	keyShare.Secret.Zero()
	if err != nil {
		return nil, err
	}

	share, err := domain.NewDkgShare(
		groupKey, publicShares, encryptedSecret,
		v.signerIndex, v.totalSigners, v.totalSigners,
	)
	if err != nil {
		return nil, err
	}
	share.Id = request.CeremonyId
	if err := v.repoManager.DkgShares().AddShares(ctx, []domain.DkgShare{*share}); err != nil {
		return nil, err
	}
	v.holder.deleteCeremony(request.CeremonyId)

	log.Debugf("ceremony %s finalised with group key %s", request.CeremonyId, groupKey)
	return json.Marshal(dkgFinalizeAck{GroupPublicKey: groupKey})
}

// HandleSignRound1 is the heart of the verifier: before committing a nonce
// it re-derives, from the stored intent and its own chain view, exactly what
// the gateway asks it to sign, and refuses on any disagreement. Sending the
// same round-1 again returns the already-committed nonces.
func (v *verifierService) HandleSignRound1(
	ctx context.Context, request ports.Round1Request,
) ([]byte, error) {
	if existing := v.holder.getSession(request.SessionId); existing != nil {
		if existing.request.MessageHash != request.MessageHash {
			return nil, v.refuse(ports.RefusalHashMismatch, fmt.Sprintf(
				"session %s already opened for another message", request.SessionId,
			))
		}
		return json.Marshal(existing.signer.PublicNonces())
	}
	// the gateway retries with fresh sessions; a leftover session on the
	// same share belongs to an abandoned attempt
	if active := v.holder.sessionForShare(request.ShareId); active != "" && active != request.SessionId {
		v.abandonSession(ctx, active, "superseded by a newer session")
	}

	share, err := v.repoManager.DkgShares().GetShareWithId(ctx, request.ShareId)
	if err != nil {
		return nil, err
	}
	if share == nil {
		return nil, v.refuse(ports.RefusalUnknownIntent, fmt.Sprintf(
			"no share %s on this verifier", request.ShareId,
		))
	}

	var tweaks []*secp256k1.ModNScalar
	switch request.Kind {
	case domain.MintMessage:
		tweaks, err = v.validateMint(ctx, request, share)
	case domain.BurnMessage:
		tweaks, err = v.validateBurn(ctx, request, share)
	case domain.ExitBtcMessage:
		tweaks, err = v.validateExit(ctx, request, share)
	default:
		return nil, invalidInput(fmt.Errorf("unknown message kind %s", request.Kind))
	}
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(request.MessageHash)
	if err != nil || len(raw) != 32 {
		return nil, v.refuse(ports.RefusalHashMismatch, "message hash is not 32 bytes")
	}
	var msg [32]byte
	copy(msg[:], raw)

	keyShare, err := loadKeyShare(v.identityKey, share)
	if err != nil {
		return nil, err
	}
	signer := frost.NewSignerSession(keyShare, msg, tweaks...)
	commitment, err := signer.Commit()
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(commitment)
	if err != nil {
		return nil, err
	}

	session, err := domain.NewSigningSession(
		request.DepositId, request.RequestId, request.ShareId,
		request.Kind, request.MessageHash, []string{v.verifierId},
	)
	if err != nil {
		return nil, err
	}
	session.Id = request.SessionId
	if err := session.AddNonce(v.verifierId, encoded); err != nil {
		return nil, err
	}
	if err := v.holder.addSession(&frostSessionState{
		session:   session,
		signer:    signer,
		request:   request,
		createdAt: time.Now(),
	}); err != nil {
		return nil, v.refuse(ports.RefusalShareBusy, err.Error())
	}
	if err := v.repoManager.SigningSessions().AddOrUpdateSession(ctx, *session); err != nil {
		v.holder.deleteSession(session.Id)
		return nil, err
	}

	log.Debugf("committed to %s session %s for deposit %s", request.Kind, session.Id, request.DepositId)
	return encoded, nil
}

// HandleSignRound2 releases the partial signature for a session this
// verifier committed to. The signer refuses packages that do not contain its
// own round-1 commitment, so a swapped message cannot reuse the nonces.
func (v *verifierService) HandleSignRound2(
	ctx context.Context, request ports.Round2Request,
) ([]byte, error) {
	state := v.holder.getSession(request.SessionId)
	if state == nil {
		return nil, notFound("signing session", request.SessionId)
	}

	pkg := &frost.SigningPackage{}
	if err := json.Unmarshal(request.SigningPackage, pkg); err != nil {
		return nil, invalidInput(fmt.Errorf("invalid signing package: %s", err))
	}

	partial, err := state.signer.Sign(pkg)
	if err != nil {
		v.abandonSession(ctx, request.SessionId, err.Error())
		return nil, err
	}
	encoded, err := json.Marshal(partial)
	if err != nil {
		return nil, err
	}

	session := state.session
	if err := session.AdvanceToPartials(); err != nil {
		return nil, err
	}
	if err := session.AddPartial(v.verifierId, encoded); err != nil {
		return nil, err
	}
	// the verifier never sees the aggregate, its own partial closes the record
	if err := session.Complete(string(encoded)); err != nil {
		return nil, err
	}
	if err := v.repoManager.SigningSessions().AddOrUpdateSession(ctx, *session); err != nil {
		log.WithError(err).Warnf("failed to persist session %s", session.Id)
	}
	v.holder.deleteSession(request.SessionId)

	log.Debugf("signed %s session %s", state.request.Kind, session.Id)
	return encoded, nil
}

// validateMint checks a mint request end to end: the funding outpoint
// through the verifier's own indexer, then the token transaction against the
// intent, field by field. The issuer share signs untweaked.
func (v *verifierService) validateMint(
	ctx context.Context, request ports.Round1Request, share *domain.DkgShare,
) ([]*secp256k1.ModNScalar, error) {
	intent, err := v.loadIntent(ctx, request.DepositId)
	if err != nil {
		return nil, err
	}
	if intent.Chain != domain.ChainBitcoin {
		return nil, v.refuse(ports.RefusalUnknownIntent, "mint on a non-bitcoin deposit")
	}
	if share.GroupPublicKey != intent.IssuerPublicKey {
		return nil, v.refuse(ports.RefusalUnknownIntent, fmt.Sprintf(
			"share %s is not the issuer of rune %s", request.ShareId, intent.RuneId,
		))
	}
	if intent.Outpoint == nil {
		return nil, v.refuse(ports.RefusalOutpointNotFound, "intent carries no outpoint")
	}

	info, err := v.indexer.GetOutpoint(ctx, *intent.Outpoint)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, v.refuse(ports.RefusalOutpointNotFound, fmt.Sprintf(
			"outpoint %s not in this verifier's view", intent.Outpoint,
		))
	}
	if info.Address != intent.DepositAddress {
		return nil, v.refuse(ports.RefusalAddressMismatch, fmt.Sprintf(
			"outpoint %s pays %s, not the deposit address", intent.Outpoint, info.Address,
		))
	}
	if info.RuneId != intent.RuneId {
		return nil, v.refuse(ports.RefusalUnknownRune, fmt.Sprintf(
			"outpoint %s carries rune %s, expected %s", intent.Outpoint, info.RuneId, intent.RuneId,
		))
	}
	if info.RuneAmount != intent.Amount {
		return nil, v.refuse(ports.RefusalAmountMismatch, fmt.Sprintf(
			"outpoint %s carries %d base units, expected %d",
			intent.Outpoint, info.RuneAmount, intent.Amount,
		))
	}
	if info.Confirmations < v.finalityDepth {
		return nil, v.refuse(ports.RefusalInsufficientConfirmations, fmt.Sprintf(
			"%d of %d confirmations", info.Confirmations, v.finalityDepth,
		))
	}

	tokenTx := &spark.TokenTransaction{}
	if err := json.Unmarshal(request.TokenTransaction, tokenTx); err != nil {
		return nil, v.refuse(ports.RefusalHashMismatch, fmt.Sprintf("undecodable token transaction: %s", err))
	}
	issuerKey, err := parsePubkey(intent.IssuerPublicKey)
	if err != nil {
		return nil, err
	}
	receiverKey, _, err := spark.DecodeAddress(intent.ReceiverAddress)
	if err != nil {
		return nil, v.refuse(ports.RefusalAddressMismatch, fmt.Sprintf("undecodable bridge address: %s", err))
	}
	identifier := spark.WruneTokenIdentifier(intent.RuneId, issuerKey)

	switch {
	case tokenTx.MintInput == nil || tokenTx.TransferInput != nil:
		return nil, v.refuse(ports.RefusalHashMismatch, "transaction is not a pure mint")
	case !tokenTx.MintInput.IssuerPublicKey.IsEqual(issuerKey):
		return nil, v.refuse(ports.RefusalHashMismatch, "mint input is not the rune's issuer")
	case tokenTx.MintInput.TokenIdentifier != identifier:
		return nil, v.refuse(ports.RefusalHashMismatch, "mint input identifier is not the wrapped rune")
	case len(tokenTx.LeavesToCreate) != 1:
		return nil, v.refuse(ports.RefusalHashMismatch, fmt.Sprintf(
			"mint creates %d leaves, expected 1", len(tokenTx.LeavesToCreate),
		))
	}
	leaf := tokenTx.LeavesToCreate[0]
	switch {
	case leaf.OwnerPublicKey == nil || !leaf.OwnerPublicKey.IsEqual(issuerKey):
		return nil, v.refuse(ports.RefusalHashMismatch, "minted leaf is not issuer-owned")
	case leaf.RevocationPublicKey == nil || !leaf.RevocationPublicKey.IsEqual(receiverKey):
		return nil, v.refuse(ports.RefusalAddressMismatch, "minted leaf is not committed to the bridge address")
	case leaf.TokenIdentifier != identifier:
		return nil, v.refuse(ports.RefusalHashMismatch, "minted leaf identifier is not the wrapped rune")
	case leaf.TokenAmount == nil || leaf.TokenAmount.Cmp(new(big.Int).SetUint64(intent.Amount)) != 0:
		return nil, v.refuse(ports.RefusalAmountMismatch, fmt.Sprintf(
			"minted amount %s, expected %d", leaf.TokenAmount, intent.Amount,
		))
	}

	if err := v.checkTokenHash(tokenTx, request.MessageHash); err != nil {
		return nil, err
	}
	return nil, nil
}

// validateBurn checks that the transfer moves every wrapped leaf of the
// deposit key to the issuer and nothing else. The deposit share signs under
// the intent tweak.
func (v *verifierService) validateBurn(
	ctx context.Context, request ports.Round1Request, share *domain.DkgShare,
) ([]*secp256k1.ModNScalar, error) {
	intent, err := v.loadIntent(ctx, request.DepositId)
	if err != nil {
		return nil, err
	}
	if intent.Chain != domain.ChainSpark {
		return nil, v.refuse(ports.RefusalUnknownIntent, "burn on a non-spark deposit")
	}
	if share.GroupPublicKey != intent.GroupPublicKey || share.Id != intent.ShareId {
		return nil, v.refuse(ports.RefusalUnknownIntent, fmt.Sprintf(
			"share %s is not the deposit share of %s", request.ShareId, request.DepositId,
		))
	}

	issuerKey, err := parsePubkey(intent.IssuerPublicKey)
	if err != nil {
		return nil, err
	}
	identifier := spark.WruneTokenIdentifier(intent.RuneId, issuerKey)
	depositKey, _, err := spark.DecodeAddress(intent.DepositAddress)
	if err != nil {
		return nil, v.refuse(ports.RefusalAddressMismatch, fmt.Sprintf("undecodable deposit address: %s", err))
	}

	// the verifier's own view of what the deposit key holds
	leaves, err := v.sparkClient.ListTokenLeaves(ctx, keyHex(depositKey), identifier.String())
	if err != nil {
		return nil, err
	}
	owned := make(map[string]uint64, len(leaves))
	for _, leaf := range leaves {
		owned[fmt.Sprintf("%s:%d", leaf.ParentHash, leaf.ParentIndex)] = leaf.Amount
	}

	tokenTx := &spark.TokenTransaction{}
	if err := json.Unmarshal(request.TokenTransaction, tokenTx); err != nil {
		return nil, v.refuse(ports.RefusalHashMismatch, fmt.Sprintf("undecodable token transaction: %s", err))
	}
	if tokenTx.TransferInput == nil || tokenTx.MintInput != nil {
		return nil, v.refuse(ports.RefusalHashMismatch, "transaction is not a pure transfer")
	}

	spent := new(big.Int)
	for _, leaf := range tokenTx.TransferInput.LeavesToSpend {
		key := fmt.Sprintf("%s:%d", hex.EncodeToString(leaf.ParentLeafHash[:]), leaf.ParentLeafIndex)
		amount, ok := owned[key]
		if !ok {
			return nil, v.refuse(ports.RefusalOutpointNotFound, fmt.Sprintf(
				"leaf %s is not owned by the deposit key in this verifier's view", key,
			))
		}
		spent.Add(spent, new(big.Int).SetUint64(amount))
	}

	returned := new(big.Int)
	for _, leaf := range tokenTx.LeavesToCreate {
		switch {
		case leaf.OwnerPublicKey == nil || !leaf.OwnerPublicKey.IsEqual(issuerKey):
			return nil, v.refuse(ports.RefusalAddressMismatch, "burn output is not issuer-owned")
		case leaf.TokenIdentifier != identifier:
			return nil, v.refuse(ports.RefusalHashMismatch, "burn output identifier is not the wrapped rune")
		case leaf.TokenAmount == nil:
			return nil, v.refuse(ports.RefusalAmountMismatch, "burn output without amount")
		}
		returned.Add(returned, leaf.TokenAmount)
	}
	if spent.Cmp(returned) != 0 {
		return nil, v.refuse(ports.RefusalAmountMismatch, fmt.Sprintf(
			"burn spends %s base units but returns %s to the issuer", spent, returned,
		))
	}

	if err := v.checkTokenHash(tokenTx, request.MessageHash); err != nil {
		return nil, err
	}

	tweak, err := v.intentTweakOf(intent)
	if err != nil {
		return nil, err
	}
	return []*secp256k1.ModNScalar{tweak}, nil
}

// validateExit checks one bridge input of an exit transaction: the psbt must
// route the promised amount to the promised address, and the input being
// signed must sit on a deposit key this verifier derived itself. The share
// signs under the intent tweak chained with the taproot tweak.
func (v *verifierService) validateExit(
	ctx context.Context, request ports.Round1Request, share *domain.DkgShare,
) ([]*secp256k1.ModNScalar, error) {
	exitIntent, err := v.loadIntent(ctx, request.DepositId)
	if err != nil {
		return nil, err
	}
	if exitIntent.Chain != domain.ChainSpark {
		return nil, v.refuse(ports.RefusalUnknownIntent, "exit on a non-spark deposit")
	}

	// the input's own intent: the bitcoin deposit whose key holds the utxo
	inputIntent, err := v.repoManager.Intents().GetIntentWithShareId(ctx, request.ShareId)
	if err != nil {
		return nil, err
	}
	if inputIntent == nil {
		return nil, v.refuse(ports.RefusalUnknownIntent, fmt.Sprintf(
			"no intent for share %s", request.ShareId,
		))
	}
	if inputIntent.Chain != domain.ChainBitcoin {
		return nil, v.refuse(ports.RefusalUnknownIntent, "exit input share is not a bitcoin deposit share")
	}
	if share.GroupPublicKey != inputIntent.GroupPublicKey {
		return nil, v.refuse(ports.RefusalUnknownIntent, fmt.Sprintf(
			"share %s does not match the input's deposit share", request.ShareId,
		))
	}

	info, err := v.builder.DecodeExitTx(request.ExitTx)
	if err != nil {
		return nil, v.refuse(ports.RefusalHashMismatch, fmt.Sprintf("undecodable exit transaction: %s", err))
	}
	if int(request.InputIndex) >= len(info.Inputs) {
		return nil, v.refuse(ports.RefusalHashMismatch, fmt.Sprintf(
			"input index %d past the %d inputs", request.InputIndex, len(info.Inputs),
		))
	}
	if err := v.checkExitOutputs(info, exitIntent); err != nil {
		return nil, err
	}

	// the signed input must spend an outpoint sitting on the input
	// intent's deposit address, in this verifier's own view
	outpoint := info.Inputs[request.InputIndex]
	outInfo, err := v.indexer.GetOutpoint(ctx, outpoint)
	if err != nil {
		return nil, err
	}
	if outInfo == nil {
		return nil, v.refuse(ports.RefusalOutpointNotFound, fmt.Sprintf(
			"input %s not in this verifier's view", outpoint,
		))
	}
	if outInfo.Address != inputIntent.DepositAddress {
		return nil, v.refuse(ports.RefusalAddressMismatch, fmt.Sprintf(
			"input %s sits on %s, not on the deposit address of share %s",
			outpoint, outInfo.Address, request.ShareId,
		))
	}

	sighash, err := v.builder.GetSighash(request.ExitTx, int(request.InputIndex))
	if err != nil {
		return nil, err
	}
	if hex.EncodeToString(sighash[:]) != request.MessageHash {
		return nil, v.refuse(ports.RefusalHashMismatch, fmt.Sprintf(
			"input %d sighash does not match the requested message", request.InputIndex,
		))
	}

	tweak, err := v.intentTweakOf(inputIntent)
	if err != nil {
		return nil, err
	}
	groupKey, err := parsePubkey(share.GroupPublicKey)
	if err != nil {
		return nil, err
	}
	internalKey, err := frost.TweakedKey(groupKey, tweak)
	if err != nil {
		return nil, err
	}
	return []*secp256k1.ModNScalar{tweak, frost.TaprootTweak(internalKey)}, nil
}

// checkExitOutputs pins the user-facing half of the exit: output 1 pays the
// exit address and the runestone routes exactly the promised rune amount to
// it.
func (v *verifierService) checkExitOutputs(
	info *ports.ExitTxInfo, exitIntent *ports.SigningIntent,
) error {
	if len(info.OutputAddresses) <= 1 {
		return v.refuse(ports.RefusalHashMismatch, "exit transaction has no user output")
	}
	if info.OutputAddresses[1] != exitIntent.ExitAddress {
		return v.refuse(ports.RefusalAddressMismatch, fmt.Sprintf(
			"exit pays %s, intent names %s", info.OutputAddresses[1], exitIntent.ExitAddress,
		))
	}
	if info.Runestone == nil {
		return v.refuse(ports.RefusalHashMismatch, "exit transaction carries no runestone")
	}

	runeId, err := runes.ParseRuneID(exitIntent.RuneId)
	if err != nil {
		return err
	}
	routed := new(big.Int)
	for _, edict := range info.Runestone.Edicts {
		if edict.ID != runeId {
			return v.refuse(ports.RefusalUnknownRune, fmt.Sprintf(
				"edict moves rune %s, expected %s", edict.ID, runeId,
			))
		}
		if edict.Output == 1 {
			routed.Add(routed, edict.Amount)
		}
	}
	if routed.Cmp(new(big.Int).SetUint64(exitIntent.Amount)) != 0 {
		return v.refuse(ports.RefusalAmountMismatch, fmt.Sprintf(
			"runestone routes %s base units to the exit address, expected %d",
			routed, exitIntent.Amount,
		))
	}
	return nil
}

func (v *verifierService) checkTokenHash(tokenTx *spark.TokenTransaction, messageHash string) error {
	hash, err := tokenTx.SigningHash()
	if err != nil {
		return v.refuse(ports.RefusalHashMismatch, fmt.Sprintf("unhashable token transaction: %s", err))
	}
	if hex.EncodeToString(hash[:]) != messageHash {
		return v.refuse(ports.RefusalHashMismatch, "token transaction hash does not match the requested message")
	}
	return nil
}

func (v *verifierService) loadIntent(ctx context.Context, depositId string) (*ports.SigningIntent, error) {
	intent, err := v.repoManager.Intents().GetIntentWithDepositId(ctx, depositId)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, v.refuse(ports.RefusalUnknownIntent, fmt.Sprintf(
			"no intent for deposit %s", depositId,
		))
	}
	return intent, nil
}

func (v *verifierService) intentTweakOf(intent *ports.SigningIntent) (*secp256k1.ModNScalar, error) {
	userKey, err := parsePubkey(intent.UserPublicKey)
	if err != nil {
		return nil, err
	}
	requestId, err := uuid.Parse(intent.DepositId)
	if err != nil {
		return nil, err
	}
	return frost.IntentTweak(userKey, intent.Amount, intent.RuneId, requestId), nil
}

func (v *verifierService) wruneIdentifier(intent ports.SigningIntent) (spark.TokenIdentifier, error) {
	issuerKey, err := parsePubkey(intent.IssuerPublicKey)
	if err != nil {
		return spark.TokenIdentifier{}, err
	}
	return spark.WruneTokenIdentifier(intent.RuneId, issuerKey), nil
}

func (v *verifierService) refuse(code, detail string) error {
	return &ports.SignerRefusal{
		VerifierId: v.verifierId,
		Code:       code,
		Detail:     detail,
	}
}

func (v *verifierService) abandonSession(ctx context.Context, sessionId, reason string) {
	state := v.holder.getSession(sessionId)
	if state == nil {
		return
	}
	state.session.Fail(reason)
	if err := v.repoManager.SigningSessions().AddOrUpdateSession(ctx, *state.session); err != nil {
		log.WithError(err).Warnf("failed to persist abandoned session %s", sessionId)
	}
	v.holder.deleteSession(sessionId)
}

// collectSessions evicts frost state and repo records of sessions that never
// finished within the ttl.
func (v *verifierService) collectSessions() {
	ctx := context.Background()
	cutoff := time.Now().Add(-v.sessionTTL)

	if evicted := v.holder.collect(cutoff); evicted > 0 {
		log.Debugf("evicted %d stale frost sessions", evicted)
	}

	sessions, err := v.repoManager.SigningSessions().GetActiveSessions(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to load active signing sessions")
		return
	}
	for i := range sessions {
		session := sessions[i]
		if session.StartedAt > cutoff.Unix() {
			continue
		}
		session.Fail("expired")
		if err := v.repoManager.SigningSessions().AddOrUpdateSession(ctx, session); err != nil {
			log.WithError(err).Warnf("failed to expire session %s", session.Id)
		}
	}
	if _, err := v.repoManager.SigningSessions().DeleteSessionsEndedBefore(ctx, cutoff.Unix()); err != nil {
		log.WithError(err).Warn("failed to garbage collect signing sessions")
	}
}
