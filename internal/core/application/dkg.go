package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/frost"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/sealedbox"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// dkgFinalizeAck is the payload a participant answers a finalize request
// with, so the coordinator can check everyone derived the same group key.
type dkgFinalizeAck struct {
	GroupPublicKey string `json:"group_public_key"`
}

// signerIndex maps a verifier to its DKG participant index: the gateway is
// index 1, verifiers follow in configured order. As the lowest index, the
// gateway is the participant folding the accumulated tweak into its partial.
func (s *gatewayService) signerIndex(verifierId string) uint32 {
	for i, verifier := range s.verifiers {
		if verifier.Id == verifierId {
			return uint32(i + 2)
		}
	}
	return 0
}

func (s *gatewayService) totalSigners() uint32 {
	return uint32(len(s.verifiers) + 1)
}

// ensureUserShare draws a pregenerated share from the pool and binds it to
// the deposit. An empty pool falls back to an inline ceremony so address
// issuance degrades to slow instead of failing.
func (s *gatewayService) ensureUserShare(
	ctx context.Context, depositId, runeId string,
) (*domain.DkgShare, error) {
	share, err := s.repoManager.DkgShares().BindNextShare(
		ctx, depositId, runeId, domain.ShareRoleUser,
	)
	if err == nil {
		return share, nil
	}
	if !errors.Is(err, domain.ErrNoUnassignedShares) {
		return nil, err
	}

	log.Warn("share pool is empty, running an inline keygen ceremony")
	if err := s.pregenShare(ctx); err != nil {
		return nil, fmt.Errorf("inline keygen: %w", err)
	}
	return s.repoManager.DkgShares().BindNextShare(
		ctx, depositId, runeId, domain.ShareRoleUser,
	)
}

// ensureIssuerShare returns the share whose group key issues the wrapped
// form of the rune, binding one on first use. The per-rune lock keeps two
// concurrent first deposits from binding two issuer keys.
func (s *gatewayService) ensureIssuerShare(
	ctx context.Context, runeId string,
) (*domain.DkgShare, error) {
	unlock := s.locks.lock("issuer/" + runeId)
	defer unlock()

	share, err := s.repoManager.DkgShares().GetIssuerShareForRune(ctx, runeId)
	if err != nil {
		return nil, err
	}
	if share != nil {
		return share, nil
	}

	share, err = s.repoManager.DkgShares().BindNextShare(
		ctx, "", runeId, domain.ShareRoleIssuer,
	)
	if err == nil {
		log.Debugf("bound issuer share %s to rune %s", share.Id, runeId)
		return share, nil
	}
	if !errors.Is(err, domain.ErrNoUnassignedShares) {
		return nil, err
	}

	log.Warn("share pool is empty, running an inline keygen ceremony")
	if err := s.pregenShare(ctx); err != nil {
		return nil, fmt.Errorf("inline keygen: %w", err)
	}
	share, err = s.repoManager.DkgShares().BindNextShare(
		ctx, "", runeId, domain.ShareRoleIssuer,
	)
	if err != nil {
		return nil, err
	}
	log.Debugf("bound issuer share %s to rune %s", share.Id, runeId)
	return share, nil
}

// refillSharePool tops the pool of unassigned shares back up to the high
// water mark once it sinks below the low water mark. Ceremonies run one at a
// time, a failing verifier stops the refill until the next tick.
func (s *gatewayService) refillSharePool() {
	ctx := context.Background()

	count, err := s.repoManager.DkgShares().CountUnassignedShares(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to count unassigned shares")
		return
	}
	if count >= s.poolLowWater {
		return
	}

	log.Debugf(
		"share pool at %d, pregenerating up to %d shares", count, s.poolHighWater-count,
	)
	for i := count; i < s.poolHighWater; i++ {
		select {
		case <-s.stopC:
			return
		default:
		}
		if err := s.pregenShare(ctx); err != nil {
			log.WithError(err).Warn("keygen ceremony failed, stopping pool refill")
			return
		}
	}
}

func (s *gatewayService) SharePool(ctx context.Context) (SharePoolInfo, error) {
	count, err := s.repoManager.DkgShares().CountUnassignedShares(ctx)
	if err != nil {
		return SharePoolInfo{}, err
	}
	return SharePoolInfo{
		Unassigned: count,
		LowWater:   s.poolLowWater,
		HighWater:  s.poolHighWater,
	}, nil
}

func (s *gatewayService) pregenShare(ctx context.Context) error {
	share, err := s.runDkgCeremony(ctx)
	if err != nil {
		return err
	}
	if err := s.repoManager.DkgShares().AddShares(ctx, []domain.DkgShare{*share}); err != nil {
		return err
	}
	log.Debugf("pregenerated share %s with group key %s", share.Id, share.GroupPublicKey)
	return nil
}

// runDkgCeremony drives one M-of-M key generation across the gateway and
// every verifier and returns the gateway's resulting share. The gateway is a
// full participant: it contributes its own polynomial and receives a secret
// share like everyone else. Round-2 shares travel sealed under the
// recipients' static keys, so the gateway relays the verifier-to-verifier
// ones without being able to read them.
func (s *gatewayService) runDkgCeremony(ctx context.Context) (*domain.DkgShare, error) {
	ceremonyId := uuid.New().String()
	total := s.totalSigners()

	participantKeys := make([]string, 0, total)
	participantKeys = append(participantKeys, keyHex(s.identityKey.PubKey()))
	for _, verifier := range s.verifiers {
		participantKeys = append(participantKeys, verifier.PublicKey)
	}

	self, err := frost.NewKeygenParticipant(1, total)
	if err != nil {
		return nil, err
	}
	ownPackage, err := self.Round1()
	if err != nil {
		return nil, err
	}

	// round 1: every participant commits to its polynomial
	round1Ctx, cancel := context.WithTimeout(ctx, s.roundTimeout)
	defer cancel()
	round1, err := collectPool(
		s.verifiers,
		func(verifier VerifierInfo) string { return verifier.Id },
		func(verifier VerifierInfo) (*frost.KeygenRound1, error) {
			payload, err := s.transport.DkgRound1(round1Ctx, verifier.Id, ports.DkgRound1Request{
				CeremonyId:      ceremonyId,
				Index:           s.signerIndex(verifier.Id),
				Threshold:       total,
				Total:           total,
				ParticipantKeys: participantKeys,
			})
			if err != nil {
				return nil, fmt.Errorf("verifier %s: %w", verifier.Id, err)
			}
			pkg := &frost.KeygenRound1{}
			if err := json.Unmarshal(payload, pkg); err != nil {
				return nil, fmt.Errorf("verifier %s: invalid round-1 package: %s", verifier.Id, err)
			}
			if pkg.Index != s.signerIndex(verifier.Id) {
				return nil, fmt.Errorf(
					"verifier %s answered with participant index %d, expected %d",
					verifier.Id, pkg.Index, s.signerIndex(verifier.Id),
				)
			}
			return pkg, nil
		},
	)
	if err != nil {
		return nil, err
	}

	packages := map[uint32]*frost.KeygenRound1{1: ownPackage}
	for _, verifier := range s.verifiers {
		packages[s.signerIndex(verifier.Id)] = round1[verifier.Id]
	}
	encodedPackages, err := json.Marshal(packages)
	if err != nil {
		return nil, err
	}

	ownShares, err := self.Round2(packages)
	if err != nil {
		return nil, err
	}

	// round 2: broadcast the package set, collect everyone's sealed shares
	round2Ctx, cancel2 := context.WithTimeout(ctx, s.roundTimeout)
	defer cancel2()
	round2, err := collectPool(
		s.verifiers,
		func(verifier VerifierInfo) string { return verifier.Id },
		func(verifier VerifierInfo) (map[uint32][]byte, error) {
			payload, err := s.transport.DkgRound2(round2Ctx, verifier.Id, ports.DkgRound2Request{
				CeremonyId: ceremonyId,
				Packages:   encodedPackages,
			})
			if err != nil {
				return nil, fmt.Errorf("verifier %s: %w", verifier.Id, err)
			}
			sealed := make(map[uint32][]byte)
			if err := json.Unmarshal(payload, &sealed); err != nil {
				return nil, fmt.Errorf("verifier %s: invalid round-2 payload: %s", verifier.Id, err)
			}
			if len(sealed) != int(total)-1 {
				return nil, fmt.Errorf(
					"verifier %s sealed %d shares, expected %d", verifier.Id, len(sealed), total-1,
				)
			}
			return sealed, nil
		},
	)
	if err != nil {
		return nil, err
	}

	// the gateway's own incoming shares
	received := make(map[uint32]*frost.SecretShare, total-1)
	for _, verifier := range s.verifiers {
		index := s.signerIndex(verifier.Id)
		sealed, ok := round2[verifier.Id][1]
		if !ok {
			return nil, fmt.Errorf("verifier %s sealed no share for the gateway", verifier.Id)
		}
		plain, err := sealedbox.Open(s.identityKey, sealed)
		if err != nil {
			return nil, fmt.Errorf("verifier %s: %s", verifier.Id, err)
		}
		share := &frost.SecretShare{}
		if err := json.Unmarshal(plain, share); err != nil {
			return nil, fmt.Errorf("verifier %s: invalid secret share: %s", verifier.Id, err)
		}
		received[index] = share
	}
	keyShare, err := self.Finalize(received)
	if err != nil {
		return nil, err
	}
	groupKey := keyHex(keyShare.Public.GroupKey)

	// finalize: route every recipient its sealed shares and cross-check the
	// derived group key
	finalizeCtx, cancel3 := context.WithTimeout(ctx, s.roundTimeout)
	defer cancel3()
	acks, err := collectPool(
		s.verifiers,
		func(verifier VerifierInfo) string { return verifier.Id },
		func(verifier VerifierInfo) (string, error) {
			index := s.signerIndex(verifier.Id)
			routed := make(map[uint32][]byte, total-1)

			verifierKey, err := parsePubkey(verifier.PublicKey)
			if err != nil {
				return "", err
			}
			ownPlain, err := json.Marshal(ownShares[index])
			if err != nil {
				return "", err
			}
			sealed, err := sealedbox.Seal(verifierKey, ownPlain)
			if err != nil {
				return "", err
			}
			routed[1] = sealed
			for _, other := range s.verifiers {
				if other.Id == verifier.Id {
					continue
				}
				blob, ok := round2[other.Id][index]
				if !ok {
					return "", fmt.Errorf(
						"verifier %s sealed no share for participant %d", other.Id, index,
					)
				}
				routed[s.signerIndex(other.Id)] = blob
			}
			encoded, err := json.Marshal(routed)
			if err != nil {
				return "", err
			}

			payload, err := s.transport.DkgFinalize(finalizeCtx, verifier.Id, ports.DkgFinalizeRequest{
				CeremonyId: ceremonyId,
				Shares:     encoded,
			})
			if err != nil {
				return "", fmt.Errorf("verifier %s: %w", verifier.Id, err)
			}
			ack := dkgFinalizeAck{}
			if err := json.Unmarshal(payload, &ack); err != nil {
				return "", fmt.Errorf("verifier %s: invalid finalize ack: %s", verifier.Id, err)
			}
			return ack.GroupPublicKey, nil
		},
	)
	if err != nil {
		return nil, err
	}
	for verifierId, reported := range acks {
		if reported != groupKey {
			return nil, fmt.Errorf(
				"verifier %s derived group key %s, gateway derived %s",
				verifierId, reported, groupKey,
			)
		}
	}

	publicShares, err := json.Marshal(keyShare.Public)
	if err != nil {
		return nil, err
	}
	secret := keyShare.Secret.Bytes()
	encryptedSecret, err := sealedbox.Seal(s.identityKey.PubKey(), secret[:])
	keyShare.Secret.Zero()
	if err != nil {
		return nil, err
	}

	share, err := domain.NewDkgShare(groupKey, publicShares, encryptedSecret, 1, total, total)
	if err != nil {
		return nil, err
	}
	// the ceremony id doubles as the share id on every participant
	share.Id = ceremonyId
	return share, nil
}

// loadKeyShare rebuilds the frost signing share from its stored form: the
// public half from the committed polynomials, the secret half unsealed with
// the signer's identity key.
func loadKeyShare(identityKey *btcec.PrivateKey, share *domain.DkgShare) (*frost.KeyShare, error) {
	public, err := loadPublicShares(share)
	if err != nil {
		return nil, err
	}
	plain, err := sealedbox.Open(identityKey, share.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("share %s: %s", share.Id, err)
	}
	secret := new(secp256k1.ModNScalar)
	if overflow := secret.SetByteSlice(plain); overflow {
		return nil, fmt.Errorf("share %s: secret out of range", share.Id)
	}
	return &frost.KeyShare{
		Index:  share.SignerIndex,
		Secret: secret,
		Public: public,
	}, nil
}

func loadPublicShares(share *domain.DkgShare) (*frost.PublicShares, error) {
	public := &frost.PublicShares{}
	if err := json.Unmarshal(share.PublicShares, public); err != nil {
		return nil, fmt.Errorf("share %s: invalid public shares: %s", share.Id, err)
	}
	return public, nil
}
