package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	SessionUndefined SessionState = iota
	SessionAwaitNonces
	SessionAwaitPartials
	SessionAggregated
	SessionFailed
)

type SessionState int

func (s SessionState) String() string {
	switch s {
	case SessionAwaitNonces:
		return "AWAIT_NONCES"
	case SessionAwaitPartials:
		return "AWAIT_PARTIALS"
	case SessionAggregated:
		return "AGGREGATED"
	case SessionFailed:
		return "FAILED"
	default:
		return "UNDEFINED"
	}
}

const (
	MintMessage    MessageKind = "mint"
	BurnMessage    MessageKind = "burn"
	ExitBtcMessage MessageKind = "exit_btc"
)

// MessageKind tags the shape of the message a session signs.
type MessageKind string

// SigningSession captures one threshold-signing attempt as a pure state
// machine with the accumulated round payloads, so an interrupted session can
// be rehydrated after a restart. Round payloads are kept as opaque encoded
// blobs, the signing engine owns their format.
type SigningSession struct {
	Id             string
	DepositId      string
	RequestId      string
	ShareId        string
	Kind           MessageKind
	MessageHash    string
	Participants   []string
	State          SessionState
	Nonces         map[string][]byte
	Partials       map[string][]byte
	FinalSignature string
	Error          string
	StartedAt      int64
	EndedAt        int64
}

func NewSigningSession(
	depositId, requestId, shareId string, kind MessageKind,
	messageHash string, participants []string,
) (*SigningSession, error) {
	if len(shareId) <= 0 {
		return nil, fmt.Errorf("missing share id")
	}
	if len(messageHash) <= 0 {
		return nil, fmt.Errorf("missing message hash")
	}
	if len(participants) <= 0 {
		return nil, fmt.Errorf("missing participants")
	}
	seen := make(map[string]struct{}, len(participants))
	for _, participant := range participants {
		if len(participant) <= 0 {
			return nil, fmt.Errorf("missing participant id")
		}
		if _, ok := seen[participant]; ok {
			return nil, fmt.Errorf("duplicate participant %s", participant)
		}
		seen[participant] = struct{}{}
	}

	return &SigningSession{
		Id:           uuid.New().String(),
		DepositId:    depositId,
		RequestId:    requestId,
		ShareId:      shareId,
		Kind:         kind,
		MessageHash:  messageHash,
		Participants: append([]string{}, participants...),
		State:        SessionAwaitNonces,
		Nonces:       make(map[string][]byte),
		Partials:     make(map[string][]byte),
		StartedAt:    time.Now().Unix(),
	}, nil
}

func (s *SigningSession) AddNonce(participant string, payload []byte) error {
	if s.State != SessionAwaitNonces {
		return fmt.Errorf("not in a valid state to add nonces")
	}
	if !s.isParticipant(participant) {
		return fmt.Errorf("unknown participant %s", participant)
	}
	if len(payload) <= 0 {
		return fmt.Errorf("missing nonce payload")
	}
	if _, ok := s.Nonces[participant]; ok {
		return fmt.Errorf("nonce already collected for %s", participant)
	}

	if s.Nonces == nil {
		s.Nonces = make(map[string][]byte)
	}
	s.Nonces[participant] = payload
	return nil
}

func (s *SigningSession) NoncesComplete() bool {
	return len(s.Nonces) == len(s.Participants)
}

func (s *SigningSession) AdvanceToPartials() error {
	if s.State != SessionAwaitNonces {
		return fmt.Errorf("not in a valid state to open round 2")
	}
	if !s.NoncesComplete() {
		return fmt.Errorf(
			"missing nonces, expected %d, got %d", len(s.Participants), len(s.Nonces),
		)
	}

	s.State = SessionAwaitPartials
	return nil
}

func (s *SigningSession) AddPartial(participant string, payload []byte) error {
	if s.State != SessionAwaitPartials {
		return fmt.Errorf("not in a valid state to add partial signatures")
	}
	if !s.isParticipant(participant) {
		return fmt.Errorf("unknown participant %s", participant)
	}
	if len(payload) <= 0 {
		return fmt.Errorf("missing partial signature payload")
	}
	if _, ok := s.Nonces[participant]; !ok {
		return fmt.Errorf("no nonce collected for %s", participant)
	}
	if _, ok := s.Partials[participant]; ok {
		return fmt.Errorf("partial signature already collected for %s", participant)
	}

	if s.Partials == nil {
		s.Partials = make(map[string][]byte)
	}
	s.Partials[participant] = payload
	return nil
}

func (s *SigningSession) PartialsComplete() bool {
	return len(s.Partials) == len(s.Participants)
}

func (s *SigningSession) Complete(signature string) error {
	if s.State != SessionAwaitPartials {
		return fmt.Errorf("not in a valid state to complete")
	}
	if len(signature) <= 0 {
		return fmt.Errorf("missing final signature")
	}

	s.State = SessionAggregated
	s.FinalSignature = signature
	s.EndedAt = time.Now().Unix()
	return nil
}

func (s *SigningSession) Fail(reason string) {
	if s.IsEnded() {
		return
	}

	s.State = SessionFailed
	s.Error = reason
	s.EndedAt = time.Now().Unix()
}

func (s *SigningSession) IsEnded() bool {
	return s.State == SessionAggregated || s.State == SessionFailed
}

func (s *SigningSession) isParticipant(id string) bool {
	for _, participant := range s.Participants {
		if participant == id {
			return true
		}
	}
	return false
}
