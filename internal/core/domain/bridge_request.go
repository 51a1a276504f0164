package domain

import (
	"fmt"
	"time"
)

const (
	BridgeRunesRequest RequestKind = "bridge-runes"
	ExitSparkRequest   RequestKind = "exit-spark"
)

type RequestKind string

const (
	RequestPending RequestStatus = iota
	RequestProcessing
	RequestCompleted
	RequestFailed
)

type RequestStatus int

func (s RequestStatus) String() string {
	switch s {
	case RequestProcessing:
		return "processing"
	case RequestCompleted:
		return "completed"
	case RequestFailed:
		return "failed"
	default:
		return "pending"
	}
}

// FeePayment designates how the user covers bridge fees, either a bitcoin
// outpoint spendable by the bridge or a spark transfer reference.
type FeePayment struct {
	BtcOutpoint   *Outpoint
	SparkTransfer string
}

// PayingInput is the user-supplied outpoint funding the miner fee of an exit
// transaction, pre-signed with NONE|ANYONECANPAY so it can be attached to
// any output set.
type PayingInput struct {
	Outpoint
	SatsAmount  uint64
	ExitAddress string
	Signature   string
}

func (i PayingInput) Validate() error {
	if len(i.Txid) <= 0 {
		return fmt.Errorf("missing paying input txid")
	}
	if i.SatsAmount <= 0 {
		return fmt.Errorf("missing paying input amount")
	}
	if len(i.ExitAddress) <= 0 {
		return fmt.Errorf("missing exit address")
	}
	if len(i.Signature) <= 0 {
		return fmt.Errorf("missing paying input signature")
	}
	return nil
}

// BridgeRequest is one user-initiated bridge operation. Its id is the
// caller's stable request id: replays with the same id return the recorded
// outcome instead of opening a new session.
type BridgeRequest struct {
	Id            string
	Kind          RequestKind
	DepositId     string
	UserPublicKey string
	Status        RequestStatus
	SessionId     string
	PayingInput   *PayingInput
	FeePayment    *FeePayment
	BurnTxid      string
	Txid          string
	Attempts      uint32
	Error         string
	CreatedAt     int64
	UpdatedAt     int64
}

func NewBridgeRequest(
	id string, kind RequestKind, depositId, userPublicKey string,
) (*BridgeRequest, error) {
	if len(id) <= 0 {
		return nil, fmt.Errorf("missing request id")
	}
	if kind != BridgeRunesRequest && kind != ExitSparkRequest {
		return nil, fmt.Errorf("invalid request kind %s", kind)
	}
	if len(depositId) <= 0 {
		return nil, fmt.Errorf("missing deposit id")
	}

	now := time.Now().Unix()
	return &BridgeRequest{
		Id:            id,
		Kind:          kind,
		DepositId:     depositId,
		UserPublicKey: userPublicKey,
		Status:        RequestPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (r *BridgeRequest) Process(sessionId string) error {
	if r.Status != RequestPending {
		return fmt.Errorf("not in a valid status to process request")
	}
	if len(sessionId) <= 0 {
		return fmt.Errorf("missing session id")
	}

	r.Status = RequestProcessing
	r.SessionId = sessionId
	r.Attempts++
	r.UpdatedAt = time.Now().Unix()
	return nil
}

func (r *BridgeRequest) Complete(txid string) error {
	if r.Status != RequestProcessing {
		return fmt.Errorf("not in a valid status to complete request")
	}
	if len(txid) <= 0 {
		return fmt.Errorf("missing txid")
	}

	r.Status = RequestCompleted
	r.Txid = txid
	r.UpdatedAt = time.Now().Unix()
	return nil
}

// Requeue returns a processing request to pending so the reconciliation loop
// can retry it with a fresh session.
func (r *BridgeRequest) Requeue(reason string) error {
	if r.Status != RequestProcessing {
		return fmt.Errorf("not in a valid status to requeue request")
	}

	r.Status = RequestPending
	r.SessionId = ""
	r.Error = reason
	r.UpdatedAt = time.Now().Unix()
	return nil
}

func (r *BridgeRequest) Fail(reason string) error {
	if r.Status == RequestCompleted || r.Status == RequestFailed {
		return fmt.Errorf("not in a valid status to fail request")
	}

	r.Status = RequestFailed
	r.Error = reason
	r.UpdatedAt = time.Now().Unix()
	return nil
}

func (r *BridgeRequest) IsEnded() bool {
	return r.Status == RequestCompleted || r.Status == RequestFailed
}
