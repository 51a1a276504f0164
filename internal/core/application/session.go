package application

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/frost"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/spark"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Exit transactions place the runestone at output 0, the user's dust output
// at 1 and any rune change at 2.
const changeOutputIndex = 2

// runBridgeRequest picks up a pending bridge request whose deposit has
// finalised and drives it to completion. It runs on the dispatch goroutine
// under the deposit lock, so at most one attempt is live per deposit.
func (s *gatewayService) runBridgeRequest(requestId string) error {
	ctx := context.Background()

	request, err := s.repoManager.BridgeRequests().GetRequestWithId(ctx, requestId)
	if err != nil {
		return err
	}
	if request == nil {
		return notFound("bridge request", requestId)
	}

	unlock := s.locks.lock(request.DepositId)
	defer unlock()

	// re-read under the lock, another dispatch may have raced us here
	request, err = s.repoManager.BridgeRequests().GetRequestWithId(ctx, requestId)
	if err != nil || request == nil {
		return err
	}
	if request.Status != domain.RequestPending {
		return nil
	}
	deposit, err := s.repoManager.Deposits().GetDepositWithId(ctx, request.DepositId)
	if err != nil {
		return err
	}
	if deposit == nil || deposit.Status != domain.FinalisedStatus {
		return nil
	}

	switch request.Kind {
	case domain.BridgeRunesRequest:
		return s.runMintSession(ctx, request, deposit)
	case domain.ExitSparkRequest:
		return s.runExitSession(ctx, request, deposit)
	default:
		return fmt.Errorf("unknown bridge request kind %s", request.Kind)
	}
}

// runMintSession settles a finalised rune deposit: the issuer share signs
// the partial mint and the wrapped runes land on the user's bridge address.
func (s *gatewayService) runMintSession(
	ctx context.Context, request *domain.BridgeRequest, deposit *domain.Deposit,
) error {
	meta, err := s.ensureMetadata(ctx, deposit.RuneId)
	if err != nil {
		return err
	}
	identifier, err := spark.ParseTokenIdentifier(meta.TokenIdentifier)
	if err != nil {
		return err
	}
	issuerShare, err := s.repoManager.DkgShares().GetIssuerShareForRune(ctx, deposit.RuneId)
	if err != nil {
		return err
	}
	if issuerShare == nil {
		return notFound("issuer share for rune", deposit.RuneId)
	}
	issuerKey, err := parsePubkey(issuerShare.GroupPublicKey)
	if err != nil {
		return err
	}
	receiverKey, _, err := spark.DecodeAddress(deposit.ReceiverAddress)
	if err != nil {
		return fmt.Errorf("invalid bridge address %s: %s", deposit.ReceiverAddress, err)
	}

	tokenTx := spark.NewMintTransaction(
		issuerKey, receiverKey, identifier,
		new(big.Int).SetUint64(deposit.ObservedAmount),
		s.operatorKeys, s.sparkNetwork, time.Now(),
	)
	msg, err := tokenTx.SigningHash()
	if err != nil {
		return err
	}
	encodedTx, err := json.Marshal(tokenTx)
	if err != nil {
		return err
	}

	session, err := domain.NewSigningSession(
		deposit.Id, request.Id, issuerShare.Id, domain.MintMessage,
		hex.EncodeToString(msg[:]), s.sessionParticipants(),
	)
	if err != nil {
		return err
	}
	if err := s.startProcessing(ctx, request, session.Id); err != nil {
		return err
	}
	if err := s.repoManager.SigningSessions().AddOrUpdateSession(ctx, *session); err != nil {
		return err
	}
	log.Debugf("opened mint session %s for deposit %s", session.Id, deposit.Id)

	signature, err := s.runSigningSession(ctx, session, issuerShare, ports.Round1Request{
		SessionId:        session.Id,
		DepositId:        deposit.Id,
		RequestId:        request.Id,
		ShareId:          issuerShare.Id,
		Kind:             domain.MintMessage,
		MessageHash:      session.MessageHash,
		TokenTransaction: encodedTx,
	}, nil)
	if err != nil {
		return s.handleSessionFailure(ctx, request, deposit, err)
	}

	txHash, err := s.sparkClient.BroadcastTokenTransaction(ctx, tokenTx, signature.Serialize())
	if err != nil {
		return s.handleSessionFailure(ctx, request, deposit, err)
	}

	events, err := deposit.Settle(txHash)
	if err == nil {
		if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
			log.WithError(err).Warnf("failed to settle deposit %s", deposit.Id)
		}
	}

	// the deposited outpoint becomes bridge liquidity for later exits
	if deposit.Outpoint != nil {
		utxo := domain.Utxo{
			Outpoint:   *deposit.Outpoint,
			Address:    deposit.DepositAddress,
			RuneId:     deposit.RuneId,
			RuneAmount: deposit.ObservedAmount,
			Sats:       deposit.SatsAmount,
			Status:     domain.UtxoConfirmed,
			DepositId:  deposit.Id,
			CreatedAt:  time.Now().Unix(),
		}
		if err := s.repoManager.Utxos().AddUtxos(ctx, []domain.Utxo{utxo}); err != nil {
			log.WithError(err).Warnf("failed to record bridge utxo of deposit %s", deposit.Id)
		}
	}

	if err := request.Complete(txHash); err != nil {
		return err
	}
	if err := s.repoManager.BridgeRequests().UpdateRequest(ctx, *request); err != nil {
		return err
	}
	log.Infof(
		"minted %d base units of rune %s in token transaction %s",
		deposit.ObservedAmount, deposit.RuneId, txHash,
	)
	return nil
}

// runExitSession releases runes on bitcoin for a finalised spark deposit.
// The wrapped runes are burned to the issuer first, then every bridge input
// of the exit transaction is threshold-signed under its own deposit key.
func (s *gatewayService) runExitSession(
	ctx context.Context, request *domain.BridgeRequest, deposit *domain.Deposit,
) error {
	if request.PayingInput == nil {
		return fmt.Errorf("exit request %s has no paying input", request.Id)
	}
	payingInput := *request.PayingInput

	meta, err := s.ensureMetadata(ctx, deposit.RuneId)
	if err != nil {
		return err
	}
	issuerShare, err := s.repoManager.DkgShares().GetIssuerShareForRune(ctx, deposit.RuneId)
	if err != nil {
		return err
	}
	if issuerShare == nil {
		return notFound("issuer share for rune", deposit.RuneId)
	}
	issuerKey, err := parsePubkey(issuerShare.GroupPublicKey)
	if err != nil {
		return err
	}
	exitAmount := deposit.ObservedAmount

	// pre-flight: liquidity and the paying outpoint. Soft failures leave
	// the request pending for the next reconcile tick instead of burning
	// an attempt.
	utxos, err := s.exitInputs(ctx, request, deposit.RuneId, exitAmount)
	if err != nil {
		log.WithError(err).Warnf("exit request %s is not runnable yet", request.Id)
		return nil
	}
	prevout, err := s.node.GetOutpoint(ctx, payingInput.Outpoint)
	if err != nil {
		return err
	}
	if prevout == nil {
		if len(request.BurnTxid) > 0 {
			// the wrapped runes are already burned, failing now would
			// strand the user: keep retrying until the fee input is back
			log.Warnf(
				"paying outpoint %s of request %s is gone after the burn, holding",
				payingInput.Outpoint, request.Id,
			)
			return nil
		}
		s.unlockInputs(ctx, utxos)
		detail := fmt.Sprintf("paying outpoint %s not found or already spent", payingInput.Outpoint)
		s.failDeposit(ctx, deposit, domain.FailureDoubleSpend, detail)
		s.failRequest(ctx, request, detail)
		return fmt.Errorf("%s", detail)
	}

	exitTx, err := s.builder.BuildExitTx(
		payingInput, ports.Prevout{PkScript: prevout.PkScript, Value: prevout.Value},
		utxos, deposit.RuneId, exitAmount, utxos[0].Address,
	)
	if err != nil {
		return err
	}
	payingIndex := len(utxos)
	if err := s.builder.VerifyPayingInputSignature(exitTx, payingIndex, payingInput.Signature); err != nil {
		if len(request.BurnTxid) > 0 {
			return err
		}
		s.unlockInputs(ctx, utxos)
		detail := fmt.Sprintf("paying input signature does not verify: %s", err)
		s.failDeposit(ctx, deposit, "invalid_paying_signature", detail)
		s.failRequest(ctx, request, detail)
		return err
	}

	if len(request.BurnTxid) <= 0 {
		if err := s.runBurnSession(ctx, request, deposit, meta, issuerKey); err != nil {
			failure := s.handleSessionFailure(ctx, request, deposit, err)
			if request.IsEnded() {
				s.unlockInputs(ctx, utxos)
			}
			return failure
		}
	}

	signatures := make(map[int]string, len(utxos))
	for i := range utxos {
		signature, err := s.signExitInput(ctx, request, deposit, exitTx, i, utxos[i])
		if err != nil {
			failure := s.handleSessionFailure(ctx, request, deposit, err)
			if request.IsEnded() {
				s.unlockInputs(ctx, utxos)
			}
			return failure
		}
		signatures[i] = hex.EncodeToString(signature.Serialize())
	}

	txHex, txid, err := s.builder.FinalizeExitTx(exitTx, signatures, payingInput.Signature)
	if err != nil {
		return s.handleSessionFailure(ctx, request, deposit, err)
	}
	if _, err := s.node.BroadcastTransaction(ctx, txHex); err != nil {
		return s.handleSessionFailure(ctx, request, deposit, err)
	}

	s.settleExitInputs(ctx, deposit, exitTx, txid, utxos, exitAmount)

	if err := request.Complete(txid); err != nil {
		return err
	}
	if err := s.repoManager.BridgeRequests().UpdateRequest(ctx, *request); err != nil {
		return err
	}
	log.Infof(
		"exit of deposit %s broadcast in %s, releasing %d base units of rune %s",
		deposit.Id, txid, exitAmount, deposit.RuneId,
	)
	return nil
}

// runBurnSession moves the wrapped runes from the deposit key back to the
// issuer before any rune leaves the bridge on bitcoin. The deposit key owns
// the leaves, so the session runs on the deposit's user share under the
// intent tweak.
func (s *gatewayService) runBurnSession(
	ctx context.Context, request *domain.BridgeRequest, deposit *domain.Deposit,
	meta *domain.WruneMetadata, issuerKey *btcec.PublicKey,
) error {
	identifier, err := spark.ParseTokenIdentifier(meta.TokenIdentifier)
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
		return fmt.Errorf("no token leaves left on deposit address %s", deposit.DepositAddress)
	}

	leavesToSpend := make([]*spark.TokenLeafToSpend, 0, len(leaves))
	total := new(big.Int)
	for _, leaf := range leaves {
		parent, err := parseLeafHash(leaf.ParentHash)
		if err != nil {
			return err
		}
		leavesToSpend = append(leavesToSpend, &spark.TokenLeafToSpend{
			ParentLeafHash:  parent,
			ParentLeafIndex: leaf.ParentIndex,
		})
		total.Add(total, new(big.Int).SetUint64(leaf.Amount))
	}

	tokenTx := spark.NewTransferTransaction(
		leavesToSpend,
		[]*spark.TokenLeafOutput{{
			OwnerPublicKey:  issuerKey,
			TokenIdentifier: identifier,
			TokenAmount:     total,
		}},
		s.operatorKeys, s.sparkNetwork, time.Now(),
	)
	msg, err := tokenTx.SigningHash()
	if err != nil {
		return err
	}
	encodedTx, err := json.Marshal(tokenTx)
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
	tweak, err := s.intentTweak(deposit)
	if err != nil {
		return err
	}

	session, err := domain.NewSigningSession(
		deposit.Id, request.Id, share.Id, domain.BurnMessage,
		hex.EncodeToString(msg[:]), s.sessionParticipants(),
	)
	if err != nil {
		return err
	}
	if err := s.startProcessing(ctx, request, session.Id); err != nil {
		return err
	}
	if err := s.repoManager.SigningSessions().AddOrUpdateSession(ctx, *session); err != nil {
		return err
	}
	log.Debugf("opened burn session %s for deposit %s", session.Id, deposit.Id)

	signature, err := s.runSigningSession(ctx, session, share, ports.Round1Request{
		SessionId:        session.Id,
		DepositId:        deposit.Id,
		RequestId:        request.Id,
		ShareId:          share.Id,
		Kind:             domain.BurnMessage,
		MessageHash:      session.MessageHash,
		TokenTransaction: encodedTx,
	}, []*secp256k1.ModNScalar{tweak})
	if err != nil {
		return err
	}

	burnTxid, err := s.sparkClient.BroadcastTokenTransaction(ctx, tokenTx, signature.Serialize())
	if err != nil {
		return err
	}
	request.BurnTxid = burnTxid
	if err := s.repoManager.BridgeRequests().UpdateRequest(ctx, *request); err != nil {
		return err
	}
	log.Debugf("burned %s wrapped units of rune %s in %s", total, deposit.RuneId, burnTxid)
	return nil
}

// signExitInput threshold-signs one bridge input of the exit transaction.
// Each input sits on its own deposit key, so the session runs on the source
// deposit's share with an [intent, taproot] tweak chain.
func (s *gatewayService) signExitInput(
	ctx context.Context, request *domain.BridgeRequest, deposit *domain.Deposit,
	exitTx string, inputIndex int, utxo domain.Utxo,
) (*schnorr.Signature, error) {
	sighash, err := s.builder.GetSighash(exitTx, inputIndex)
	if err != nil {
		return nil, err
	}

	source, err := s.repoManager.Deposits().GetDepositWithId(ctx, utxo.DepositId)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, notFound("deposit backing utxo", utxo.Outpoint.String())
	}
	share, err := s.repoManager.DkgShares().GetShareWithId(ctx, source.ShareId)
	if err != nil {
		return nil, err
	}
	if share == nil {
		return nil, notFound("share", source.ShareId)
	}
	groupKey, err := parsePubkey(share.GroupPublicKey)
	if err != nil {
		return nil, err
	}
	intentTweak, err := s.intentTweak(source)
	if err != nil {
		return nil, err
	}
	internalKey, err := frost.TweakedKey(groupKey, intentTweak)
	if err != nil {
		return nil, err
	}
	tweaks := []*secp256k1.ModNScalar{intentTweak, frost.TaprootTweak(internalKey)}

	session, err := domain.NewSigningSession(
		deposit.Id, request.Id, share.Id, domain.ExitBtcMessage,
		hex.EncodeToString(sighash[:]), s.sessionParticipants(),
	)
	if err != nil {
		return nil, err
	}
	if err := s.startProcessing(ctx, request, session.Id); err != nil {
		return nil, err
	}
	if err := s.repoManager.SigningSessions().AddOrUpdateSession(ctx, *session); err != nil {
		return nil, err
	}
	log.Debugf(
		"opened exit session %s for input %d of request %s", session.Id, inputIndex, request.Id,
	)

	return s.runSigningSession(ctx, session, share, ports.Round1Request{
		SessionId:   session.Id,
		DepositId:   deposit.Id,
		RequestId:   request.Id,
		ShareId:     share.Id,
		Kind:        domain.ExitBtcMessage,
		MessageHash: session.MessageHash,
		ExitTx:      exitTx,
		InputIndex:  uint32(inputIndex),
	}, tweaks)
}

// runSigningSession drives the two signing rounds for one message: the
// gateway commits and signs with its own share while fanning the rounds out
// to every verifier, verifies each partial as it arrives and aggregates the
// final BIP-340 signature.
func (s *gatewayService) runSigningSession(
	ctx context.Context, session *domain.SigningSession, share *domain.DkgShare,
	round1 ports.Round1Request, tweaks []*secp256k1.ModNScalar,
) (*schnorr.Signature, error) {
	keyShare, err := loadKeyShare(s.identityKey, share)
	if err != nil {
		return nil, s.failSession(ctx, session, err)
	}

	raw, err := hex.DecodeString(session.MessageHash)
	if err != nil || len(raw) != 32 {
		return nil, s.failSession(ctx, session, fmt.Errorf("invalid message hash %q", session.MessageHash))
	}
	var msg [32]byte
	copy(msg[:], raw)

	agg, err := frost.NewAggregatorSession(keyShare.Public, msg, s.allSignerIndices(), tweaks...)
	if err != nil {
		return nil, s.failSession(ctx, session, err)
	}
	signer := frost.NewSignerSession(keyShare, msg, tweaks...)
	ownCommitment, err := signer.Commit()
	if err != nil {
		return nil, s.failSession(ctx, session, err)
	}
	if err := s.recordNonce(session, agg, gatewayParticipant, ownCommitment); err != nil {
		return nil, s.failSession(ctx, session, err)
	}

	round1Ctx, cancelRound1 := context.WithTimeout(ctx, s.roundTimeout)
	defer cancelRound1()
	commitments, err := collectPool(
		s.verifiers,
		func(verifier VerifierInfo) string { return verifier.Id },
		func(verifier VerifierInfo) (*frost.NonceCommitment, error) {
			payload, err := s.transport.SendRound1(round1Ctx, verifier.Id, round1)
			if err != nil {
				return nil, fmt.Errorf("verifier %s: %w", verifier.Id, err)
			}
			commitment := &frost.NonceCommitment{}
			if err := json.Unmarshal(payload, commitment); err != nil {
				return nil, fmt.Errorf("verifier %s: invalid nonce commitment: %s", verifier.Id, err)
			}
			if commitment.Index != s.signerIndex(verifier.Id) {
				return nil, fmt.Errorf(
					"verifier %s committed as participant %d, expected %d",
					verifier.Id, commitment.Index, s.signerIndex(verifier.Id),
				)
			}
			return commitment, nil
		},
	)
	if err != nil {
		return nil, s.failSession(ctx, session, err)
	}
	for _, verifier := range s.verifiers {
		if err := s.recordNonce(session, agg, verifier.Id, commitments[verifier.Id]); err != nil {
			return nil, s.failSession(ctx, session, err)
		}
	}
	if err := session.AdvanceToPartials(); err != nil {
		return nil, s.failSession(ctx, session, err)
	}
	if err := s.repoManager.SigningSessions().AddOrUpdateSession(ctx, *session); err != nil {
		return nil, s.failSession(ctx, session, err)
	}

	pkg, err := agg.SigningPackage()
	if err != nil {
		return nil, s.failSession(ctx, session, err)
	}
	encodedPkg, err := json.Marshal(pkg)
	if err != nil {
		return nil, s.failSession(ctx, session, err)
	}

	ownPartial, err := signer.Sign(pkg)
	if err != nil {
		return nil, s.failSession(ctx, session, err)
	}
	if err := s.recordPartial(session, agg, gatewayParticipant, ownPartial); err != nil {
		return nil, s.failSession(ctx, session, err)
	}

	round2Ctx, cancelRound2 := context.WithTimeout(ctx, s.roundTimeout)
	defer cancelRound2()
	partials, err := collectPool(
		s.verifiers,
		func(verifier VerifierInfo) string { return verifier.Id },
		func(verifier VerifierInfo) (*frost.PartialSignature, error) {
			payload, err := s.transport.SendRound2(round2Ctx, verifier.Id, ports.Round2Request{
				SessionId:      session.Id,
				SigningPackage: encodedPkg,
			})
			if err != nil {
				return nil, fmt.Errorf("verifier %s: %w", verifier.Id, err)
			}
			partial := &frost.PartialSignature{}
			if err := json.Unmarshal(payload, partial); err != nil {
				return nil, fmt.Errorf("verifier %s: invalid partial signature: %s", verifier.Id, err)
			}
			return partial, nil
		},
	)
	if err != nil {
		return nil, s.failSession(ctx, session, err)
	}
	for _, verifier := range s.verifiers {
		// AddPartial verifies z*G against the participant's public share
		if err := s.recordPartial(session, agg, verifier.Id, partials[verifier.Id]); err != nil {
			return nil, s.failSession(ctx, session, fmt.Errorf("verifier %s: %w", verifier.Id, err))
		}
	}

	signature, err := agg.Aggregate()
	if err != nil {
		return nil, s.failSession(ctx, session, err)
	}
	if err := session.Complete(hex.EncodeToString(signature.Serialize())); err != nil {
		return nil, s.failSession(ctx, session, err)
	}
	if err := s.repoManager.SigningSessions().AddOrUpdateSession(ctx, *session); err != nil {
		log.WithError(err).Warnf("failed to persist completed session %s", session.Id)
	}
	return signature, nil
}

func (s *gatewayService) recordNonce(
	session *domain.SigningSession, agg *frost.AggregatorSession,
	participant string, commitment *frost.NonceCommitment,
) error {
	if err := agg.AddCommitment(commitment); err != nil {
		return err
	}
	encoded, err := json.Marshal(commitment)
	if err != nil {
		return err
	}
	return session.AddNonce(participant, encoded)
}

func (s *gatewayService) recordPartial(
	session *domain.SigningSession, agg *frost.AggregatorSession,
	participant string, partial *frost.PartialSignature,
) error {
	if err := agg.AddPartial(partial); err != nil {
		return err
	}
	encoded, err := json.Marshal(partial)
	if err != nil {
		return err
	}
	return session.AddPartial(participant, encoded)
}

func (s *gatewayService) failSession(
	ctx context.Context, session *domain.SigningSession, err error,
) error {
	session.Fail(err.Error())
	if storeErr := s.repoManager.SigningSessions().AddOrUpdateSession(ctx, *session); storeErr != nil {
		log.WithError(storeErr).Warnf("failed to persist failed session %s", session.Id)
	}
	return err
}

// handleSessionFailure decides what a failed signing attempt means for the
// request: a deterministic refusal fails the deposit outright, anything
// else is retried until the attempt budget runs out.
func (s *gatewayService) handleSessionFailure(
	ctx context.Context, request *domain.BridgeRequest, deposit *domain.Deposit, cause error,
) error {
	var refusal *ports.SignerRefusal
	if errors.As(cause, &refusal) && deterministicRefusal(refusal.Code) {
		s.failDeposit(ctx, deposit, refusal.Code, refusal.Detail)
		s.failRequest(ctx, request, refusal.Error())
		return cause
	}

	if request.Attempts >= s.maxAttempts {
		detail := fmt.Sprintf("%d signing attempts failed, last: %s", request.Attempts, cause)
		s.failDeposit(ctx, deposit, domain.FailureQuorumLost, detail)
		s.failRequest(ctx, request, detail)
		return cause
	}

	if err := request.Requeue(cause.Error()); err != nil {
		return cause
	}
	if err := s.repoManager.BridgeRequests().UpdateRequest(ctx, *request); err != nil {
		log.WithError(err).Warnf("failed to requeue request %s", request.Id)
	}
	log.WithError(cause).Warnf(
		"signing attempt %d of request %s failed, requeued", request.Attempts, request.Id,
	)
	return cause
}

func (s *gatewayService) failRequest(
	ctx context.Context, request *domain.BridgeRequest, reason string,
) {
	if err := request.Fail(reason); err != nil {
		return
	}
	if err := s.repoManager.BridgeRequests().UpdateRequest(ctx, *request); err != nil {
		log.WithError(err).Warnf("failed to persist failed request %s", request.Id)
	}
}

// startProcessing flips the request to processing on the first session of
// an attempt; later sessions of the same attempt are no-ops.
func (s *gatewayService) startProcessing(
	ctx context.Context, request *domain.BridgeRequest, sessionId string,
) error {
	if request.Status == domain.RequestProcessing {
		return nil
	}
	if err := request.Process(sessionId); err != nil {
		return err
	}
	return s.repoManager.BridgeRequests().UpdateRequest(ctx, *request)
}

// exitInputs returns the locked inputs of the exit, locking a fresh
// selection when the request holds none yet. Requeued attempts reuse the
// inputs they already locked.
func (s *gatewayService) exitInputs(
	ctx context.Context, request *domain.BridgeRequest, runeId string, exitAmount uint64,
) ([]domain.Utxo, error) {
	locked, err := s.repoManager.Utxos().GetLockedUtxos(ctx, request.Id)
	if err != nil {
		return nil, err
	}
	if len(locked) > 0 {
		return locked, nil
	}

	spendable, err := s.repoManager.Utxos().GetSpendableUtxos(ctx, runeId)
	if err != nil {
		return nil, err
	}
	selected, err := domain.SelectUtxos(spendable, runeId, exitAmount)
	if err != nil {
		return nil, err
	}
	keys := make([]domain.Outpoint, 0, len(selected))
	for _, utxo := range selected {
		keys = append(keys, utxo.Outpoint)
	}
	if err := s.repoManager.Utxos().LockUtxos(ctx, keys, request.Id); err != nil {
		return nil, err
	}
	return selected, nil
}

func (s *gatewayService) unlockInputs(ctx context.Context, utxos []domain.Utxo) {
	keys := make([]domain.Outpoint, 0, len(utxos))
	for _, utxo := range utxos {
		keys = append(keys, utxo.Outpoint)
	}
	if err := s.repoManager.Utxos().UnlockUtxos(ctx, keys); err != nil {
		log.WithError(err).Warn("failed to unlock exit inputs")
	}
}

// settleExitInputs records the utxo moves of a broadcast exit: inputs are
// spent, rune change comes back as a pending utxo on the first input's
// address, and the source deposits flip to spent in the activity view.
func (s *gatewayService) settleExitInputs(
	ctx context.Context, deposit *domain.Deposit,
	exitTx, txid string, utxos []domain.Utxo, exitAmount uint64,
) {
	keys := make([]domain.Outpoint, 0, len(utxos))
	totalIn := uint64(0)
	for _, utxo := range utxos {
		keys = append(keys, utxo.Outpoint)
		totalIn += utxo.RuneAmount
	}
	if err := s.repoManager.Utxos().SpendUtxos(ctx, keys, txid); err != nil {
		log.WithError(err).Warnf("failed to mark the inputs of %s spent", txid)
	}

	if change := totalIn - exitAmount; change > 0 {
		changeUtxo := domain.Utxo{
			Outpoint:   domain.Outpoint{Txid: txid, VOut: changeOutputIndex},
			Address:    utxos[0].Address,
			RuneId:     deposit.RuneId,
			RuneAmount: change,
			Status:     domain.UtxoPending,
			DepositId:  utxos[0].DepositId,
			CreatedAt:  time.Now().Unix(),
		}
		if info, err := s.builder.DecodeExitTx(exitTx); err == nil &&
			len(info.OutputValues) > changeOutputIndex {
			changeUtxo.Sats = uint64(info.OutputValues[changeOutputIndex])
		}
		if err := s.repoManager.Utxos().AddUtxos(ctx, []domain.Utxo{changeUtxo}); err != nil {
			log.WithError(err).Warnf("failed to record the change utxo of %s", txid)
		}
	}

	for _, utxo := range utxos {
		s.markSourceSpent(ctx, utxo.DepositId, txid)
	}
}

func (s *gatewayService) markSourceSpent(ctx context.Context, depositId, txid string) {
	deposit, err := s.repoManager.Deposits().GetDepositWithId(ctx, depositId)
	if err != nil || deposit == nil {
		return
	}
	events, err := deposit.MarkUtxoSpent(txid)
	if err != nil || len(events) <= 0 {
		return
	}
	if err := s.saveEvents(ctx, deposit.Id, events); err != nil {
		log.WithError(err).Warnf("failed to mark the utxo of deposit %s spent", depositId)
	}
}

func (s *gatewayService) intentTweak(deposit *domain.Deposit) (*secp256k1.ModNScalar, error) {
	userKey, err := parsePubkey(deposit.UserPublicKey)
	if err != nil {
		return nil, err
	}
	requestId, err := uuid.Parse(deposit.Id)
	if err != nil {
		return nil, err
	}
	return frost.IntentTweak(userKey, deposit.Amount, deposit.RuneId, requestId), nil
}

func (s *gatewayService) sessionParticipants() []string {
	participants := make([]string, 0, len(s.verifiers)+1)
	participants = append(participants, gatewayParticipant)
	for _, verifier := range s.verifiers {
		participants = append(participants, verifier.Id)
	}
	return participants
}

func (s *gatewayService) allSignerIndices() []uint32 {
	indices := make([]uint32, 0, s.totalSigners())
	for index := uint32(1); index <= s.totalSigners(); index++ {
		indices = append(indices, index)
	}
	return indices
}

func deterministicRefusal(code string) bool {
	switch code {
	case ports.RefusalAddressMismatch, ports.RefusalAmountMismatch,
		ports.RefusalUnknownRune, ports.RefusalHashMismatch:
		return true
	default:
		return false
	}
}

func parseLeafHash(encoded string) ([32]byte, error) {
	var hash [32]byte
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return hash, fmt.Errorf("invalid leaf hash %q: %s", encoded, err)
	}
	if len(raw) != len(hash) {
		return hash, fmt.Errorf("invalid leaf hash %q: expected 32 bytes, got %d", encoded, len(raw))
	}
	copy(hash[:], raw)
	return hash, nil
}
