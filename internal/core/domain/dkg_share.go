package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	ShareUnassigned ShareStatus = iota
	ShareBound
)

type ShareStatus int

func (s ShareStatus) String() string {
	switch s {
	case ShareBound:
		return "bound"
	default:
		return "unassigned"
	}
}

const (
	// ShareRoleIssuer keys are drawn once per rune and shared across all of
	// its users, the issuer key identifies the wrapped token on Spark.
	ShareRoleIssuer ShareRole = "issuer"
	// ShareRoleUser keys are drawn fresh for every deposit intent.
	ShareRoleUser ShareRole = "user"
)

type ShareRole string

// DkgShare is one pre-generated DKG execution as seen by a single signer:
// the group key with the published commitments, plus this signer's sealed
// secret share. Shares sit unassigned in the pool until an intent binds them.
type DkgShare struct {
	Id              string
	GroupPublicKey  string
	PublicShares    []byte
	EncryptedSecret []byte
	SignerIndex     uint32
	Threshold       uint32
	Total           uint32
	Status          ShareStatus
	Role            ShareRole
	UserUUID        string
	RuneId          string
	CreatedAt       int64
	BoundAt         int64
}

func NewDkgShare(
	groupPublicKey string, publicShares, encryptedSecret []byte,
	signerIndex, threshold, total uint32,
) (*DkgShare, error) {
	if len(groupPublicKey) <= 0 {
		return nil, fmt.Errorf("missing group public key")
	}
	if len(publicShares) <= 0 {
		return nil, fmt.Errorf("missing public shares")
	}
	if len(encryptedSecret) <= 0 {
		return nil, fmt.Errorf("missing encrypted secret share")
	}
	if total <= 0 {
		return nil, fmt.Errorf("missing number of signers")
	}
	if threshold <= 0 || threshold > total {
		return nil, fmt.Errorf("invalid threshold %d for %d signers", threshold, total)
	}
	if signerIndex <= 0 || signerIndex > total {
		return nil, fmt.Errorf("invalid signer index %d for %d signers", signerIndex, total)
	}

	return &DkgShare{
		Id:              uuid.New().String(),
		GroupPublicKey:  groupPublicKey,
		PublicShares:    publicShares,
		EncryptedSecret: encryptedSecret,
		SignerIndex:     signerIndex,
		Threshold:       threshold,
		Total:           total,
		Status:          ShareUnassigned,
		CreatedAt:       time.Now().Unix(),
	}, nil
}

func (s *DkgShare) Bind(userUUID, runeId string, role ShareRole) error {
	if s.Status != ShareUnassigned {
		return fmt.Errorf("share %s already bound", s.Id)
	}
	if role != ShareRoleIssuer && role != ShareRoleUser {
		return fmt.Errorf("invalid share role %s", role)
	}
	if role == ShareRoleUser && len(userUUID) <= 0 {
		return fmt.Errorf("missing user uuid")
	}
	if len(runeId) <= 0 {
		return fmt.Errorf("missing rune id")
	}

	s.Status = ShareBound
	s.Role = role
	s.UserUUID = userUUID
	s.RuneId = runeId
	s.BoundAt = time.Now().Unix()
	return nil
}

func (s *DkgShare) IsBound() bool {
	return s.Status == ShareBound
}
