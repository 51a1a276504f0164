package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	UndefinedStatus DepositStatus = iota
	IssuedStatus
	UtxoSeenStatus
	FinalisedStatus
	SettledStatus
	FailedStatus
	CancelledStatus
)

type DepositStatus int

func (s DepositStatus) String() string {
	switch s {
	case IssuedStatus:
		return "ISSUED"
	case UtxoSeenStatus:
		return "UTXO_SEEN"
	case FinalisedStatus:
		return "FINALISED"
	case SettledStatus:
		return "SETTLED"
	case FailedStatus:
		return "FAILED"
	case CancelledStatus:
		return "CANCELLED"
	default:
		return "UNDEFINED"
	}
}

const (
	ChainBitcoin Chain = "bitcoin"
	ChainSpark   Chain = "spark"
)

type Chain string

const (
	VerifierCreated VerifierStatus = iota
	VerifierWaiting
	VerifierConfirmed
	VerifierFailed
)

// VerifierStatus is the last verdict a verifier reported for a deposit
// outpoint through the notify callback.
type VerifierStatus int

func (s VerifierStatus) String() string {
	switch s {
	case VerifierWaiting:
		return "waiting"
	case VerifierConfirmed:
		return "confirmed"
	case VerifierFailed:
		return "failed"
	default:
		return "created"
	}
}

// User-facing status enum, projected from the internal state machine.
const (
	StatusAddressIssued           = "address_issued"
	StatusWaitingForConfirmations = "waiting_for_confirmations"
	StatusReadyForMint            = "ready_for_mint"
	StatusMinted                  = "minted"
	StatusSpent                   = "spent"
	StatusFailed                  = "failed"
)

const (
	FailureAmountMismatch = "amount_mismatch"
	FailureQuorumLost     = "quorum_lost"
	FailureUnknownRune    = "unknown_rune"
	FailureDoubleSpend    = "double_spend"
	FailureCancelled      = "cancelled"
)

// ErrDepositAlreadyObserved is returned when a cancellation arrives after a
// deposit utxo has been recorded for the address.
var ErrDepositAlreadyObserved = errors.New("deposit_already_observed")

type Outpoint struct {
	Txid string
	VOut uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.VOut)
}

// Deposit tracks a single bridge intent from address issuance to settlement.
// It is event-sourced: lifecycle methods validate the transition, raise the
// event and return it for persistence, NewDepositFromEvents replays them.
type Deposit struct {
	Id              string
	UserPublicKey   string
	RuneId          string
	Amount          uint64
	Chain           Chain
	ReceiverAddress string
	ShareId         string
	DepositAddress  string
	Status          DepositStatus
	Outpoint        *Outpoint
	ExtraOutpoints  []Outpoint
	ObservedAmount  uint64
	SatsAmount      uint64
	SatsFeeAmount   uint64
	Confirmations   uint64
	Verifiers       map[string]VerifierStatus
	SettlementTxid  string
	SpentByTxid     string
	FailureReason   string
	FailureDetail   string
	CreatedAt       int64
	EndedAt         int64
	Version         uint
	changes         []DepositEvent
}

func NewDeposit(
	userPublicKey, runeId string, amount uint64, chain Chain, receiverAddress string,
) *Deposit {
	return &Deposit{
		Id:              uuid.New().String(),
		UserPublicKey:   userPublicKey,
		RuneId:          runeId,
		Amount:          amount,
		Chain:           chain,
		ReceiverAddress: receiverAddress,
		changes:         make([]DepositEvent, 0),
	}
}

func NewDepositFromEvents(events []DepositEvent) *Deposit {
	d := &Deposit{}

	for _, event := range events {
		d.On(event, true)
	}

	d.changes = append([]DepositEvent{}, events...)

	return d
}

func (d *Deposit) Events() []DepositEvent {
	return d.changes
}

func (d *Deposit) On(event DepositEvent, replayed bool) {
	switch e := event.(type) {
	case DepositAddressIssued:
		d.Id = e.Id
		d.UserPublicKey = e.UserPublicKey
		d.RuneId = e.RuneId
		d.Amount = e.Amount
		d.Chain = e.Chain
		d.ReceiverAddress = e.ReceiverAddress
		d.ShareId = e.ShareId
		d.DepositAddress = e.DepositAddress
		d.Status = IssuedStatus
		d.Verifiers = make(map[string]VerifierStatus)
		for _, id := range e.Verifiers {
			d.Verifiers[id] = VerifierCreated
		}
		d.CreatedAt = e.Timestamp
	case DepositReceiverUpdated:
		d.ReceiverAddress = e.ReceiverAddress
	case DepositUtxoRecorded:
		d.Status = UtxoSeenStatus
		d.Outpoint = &Outpoint{Txid: e.Txid, VOut: e.VOut}
		d.ObservedAmount = e.RuneAmount
		d.SatsAmount = e.SatsAmount
		d.Confirmations = 0
	case DepositExtraOutpointRecorded:
		d.ExtraOutpoints = append(
			d.ExtraOutpoints, Outpoint{Txid: e.Txid, VOut: e.VOut},
		)
	case DepositConfirmationsUpdated:
		d.Confirmations = e.Confirmations
	case DepositVerdictRecorded:
		if d.Verifiers == nil {
			d.Verifiers = make(map[string]VerifierStatus)
		}
		d.Verifiers[e.VerifierId] = e.Verdict
		if e.SatsFeeAmount > 0 {
			d.SatsFeeAmount = e.SatsFeeAmount
		}
	case DepositReorged:
		d.Status = IssuedStatus
		d.Outpoint = nil
		d.ObservedAmount = 0
		d.SatsAmount = 0
		d.Confirmations = 0
		for id := range d.Verifiers {
			d.Verifiers[id] = VerifierCreated
		}
	case DepositFinalized:
		d.Status = FinalisedStatus
	case DepositSettled:
		d.Status = SettledStatus
		d.SettlementTxid = e.Txid
		d.EndedAt = e.Timestamp
	case DepositUtxoSpent:
		d.SpentByTxid = e.Txid
	case DepositFailed:
		d.Status = FailedStatus
		d.FailureReason = e.Reason
		d.FailureDetail = e.Detail
		d.EndedAt = e.Timestamp
	case DepositCancelled:
		d.Status = CancelledStatus
		d.FailureReason = FailureCancelled
		d.EndedAt = e.Timestamp
	}

	if replayed {
		d.Version++
	}
}

func (d *Deposit) IssueAddress(
	shareId, depositAddress string, verifiers []string,
) ([]DepositEvent, error) {
	if d.Status != UndefinedStatus {
		return nil, fmt.Errorf("deposit address already issued")
	}
	if len(shareId) <= 0 {
		return nil, fmt.Errorf("missing share id")
	}
	if len(depositAddress) <= 0 {
		return nil, fmt.Errorf("missing deposit address")
	}
	if len(verifiers) <= 0 {
		return nil, fmt.Errorf("missing verifier set")
	}

	event := DepositAddressIssued{
		Id:              d.Id,
		UserPublicKey:   d.UserPublicKey,
		RuneId:          d.RuneId,
		Amount:          d.Amount,
		Chain:           d.Chain,
		ReceiverAddress: d.ReceiverAddress,
		ShareId:         shareId,
		DepositAddress:  depositAddress,
		Verifiers:       verifiers,
		Timestamp:       time.Now().Unix(),
	}
	d.raise(event)

	return []DepositEvent{event}, nil
}

// SetReceiver records where the bridged funds must land: the spark address
// the user names when confirming a rune deposit, or the exit address named
// when starting an exit. The receiver is frozen once the deposit finalises.
func (d *Deposit) SetReceiver(receiverAddress string) ([]DepositEvent, error) {
	if len(receiverAddress) <= 0 {
		return nil, fmt.Errorf("missing receiver address")
	}

	if d.ReceiverAddress == receiverAddress {
		return nil, nil
	}
	switch d.Status {
	case IssuedStatus, UtxoSeenStatus:
	default:
		return nil, fmt.Errorf("not in a valid status to set the receiver address")
	}

	event := DepositReceiverUpdated{
		Id:              d.Id,
		ReceiverAddress: receiverAddress,
		Timestamp:       time.Now().Unix(),
	}
	d.raise(event)

	return []DepositEvent{event}, nil
}

// RecordUtxo records the first outpoint paying the deposit address. Replays
// of the same outpoint are no-ops, further outpoints are kept for the
// activity view only and never start a second session.
func (d *Deposit) RecordUtxo(
	outpoint Outpoint, runeAmount, satsAmount uint64,
) ([]DepositEvent, error) {
	if len(outpoint.Txid) <= 0 {
		return nil, fmt.Errorf("missing outpoint txid")
	}

	switch d.Status {
	case IssuedStatus:
		event := DepositUtxoRecorded{
			Id:         d.Id,
			Txid:       outpoint.Txid,
			VOut:       outpoint.VOut,
			RuneAmount: runeAmount,
			SatsAmount: satsAmount,
			Timestamp:  time.Now().Unix(),
		}
		d.raise(event)
		return []DepositEvent{event}, nil
	case UtxoSeenStatus, FinalisedStatus, SettledStatus:
		if d.Outpoint != nil && *d.Outpoint == outpoint {
			return nil, nil
		}
		for _, extra := range d.ExtraOutpoints {
			if extra == outpoint {
				return nil, nil
			}
		}
		event := DepositExtraOutpointRecorded{
			Id:         d.Id,
			Txid:       outpoint.Txid,
			VOut:       outpoint.VOut,
			RuneAmount: runeAmount,
			Timestamp:  time.Now().Unix(),
		}
		d.raise(event)
		return []DepositEvent{event}, nil
	default:
		return nil, fmt.Errorf("not in a valid status to record a deposit utxo")
	}
}

// UpdateConfirmations tracks the depth reported by the coordinator's own
// indexer. The count may decrease: a tx kicked back to the mempool by a
// shallow reorg stays UTXO_SEEN at zero confirmations.
func (d *Deposit) UpdateConfirmations(confirmations uint64) ([]DepositEvent, error) {
	if d.Status != UtxoSeenStatus {
		return nil, fmt.Errorf("not in a valid status to update confirmations")
	}
	if confirmations == d.Confirmations {
		return nil, nil
	}

	event := DepositConfirmationsUpdated{
		Id:            d.Id,
		Confirmations: confirmations,
		Timestamp:     time.Now().Unix(),
	}
	d.raise(event)

	return []DepositEvent{event}, nil
}

// RecordVerdict records the confirmation verdict one verifier reported for
// the tracked outpoint. Repeated identical verdicts are no-ops.
func (d *Deposit) RecordVerdict(
	verifierId string, verdict VerifierStatus, satsFeeAmount uint64,
) ([]DepositEvent, error) {
	if d.Status != UtxoSeenStatus {
		return nil, fmt.Errorf("not in a valid status to record a verifier verdict")
	}
	current, ok := d.Verifiers[verifierId]
	if !ok {
		return nil, fmt.Errorf("unknown verifier %s", verifierId)
	}
	if current == verdict {
		return nil, nil
	}

	event := DepositVerdictRecorded{
		Id:            d.Id,
		VerifierId:    verifierId,
		Verdict:       verdict,
		SatsFeeAmount: satsFeeAmount,
		Timestamp:     time.Now().Unix(),
	}
	d.raise(event)

	return []DepositEvent{event}, nil
}

// Reorg returns the deposit to ISSUED after its outpoint vanished from the
// chain. Only allowed below the finality depth, everything deeper is handled
// as a failure.
func (d *Deposit) Reorg(finalityDepth uint64) ([]DepositEvent, error) {
	if d.Status != UtxoSeenStatus {
		return nil, fmt.Errorf("not in a valid status to reorg")
	}
	if d.Confirmations >= finalityDepth {
		return nil, fmt.Errorf("outpoint already reached finality depth")
	}

	event := DepositReorged{
		Id:        d.Id,
		Timestamp: time.Now().Unix(),
	}
	d.raise(event)

	return []DepositEvent{event}, nil
}

// Finalize moves the deposit to FINALISED once the coordinator's indexer
// reached the finality depth and every verifier confirmed the outpoint.
// There is exactly one entry into FINALISED per deposit.
func (d *Deposit) Finalize(finalityDepth uint64) ([]DepositEvent, error) {
	if d.Status != UtxoSeenStatus {
		return nil, fmt.Errorf("not in a valid status to finalize")
	}
	if d.Confirmations < finalityDepth {
		return nil, fmt.Errorf(
			"not enough confirmations, expected %d, got %d",
			finalityDepth, d.Confirmations,
		)
	}
	if !d.AllVerifiersConfirmed() {
		return nil, fmt.Errorf("not all verifiers confirmed the deposit")
	}

	event := DepositFinalized{
		Id:        d.Id,
		Timestamp: time.Now().Unix(),
	}
	d.raise(event)

	return []DepositEvent{event}, nil
}

func (d *Deposit) Settle(txid string) ([]DepositEvent, error) {
	if len(txid) <= 0 {
		return nil, fmt.Errorf("missing settlement txid")
	}
	if d.Status != FinalisedStatus {
		return nil, fmt.Errorf("not in a valid status to settle")
	}

	event := DepositSettled{
		Id:        d.Id,
		Txid:      txid,
		Timestamp: time.Now().Unix(),
	}
	d.raise(event)

	return []DepositEvent{event}, nil
}

// MarkUtxoSpent flags a settled bitcoin deposit whose utxo has been consumed
// by an exit transaction. The deposit stays SETTLED, only the user-facing
// status flips from minted to spent.
func (d *Deposit) MarkUtxoSpent(txid string) ([]DepositEvent, error) {
	if len(txid) <= 0 {
		return nil, fmt.Errorf("missing spending txid")
	}
	if d.Status != SettledStatus || d.Chain != ChainBitcoin {
		return nil, fmt.Errorf("not in a valid status to mark the utxo spent")
	}
	if d.SpentByTxid == txid {
		return nil, nil
	}
	if len(d.SpentByTxid) > 0 {
		return nil, fmt.Errorf("utxo already spent by %s", d.SpentByTxid)
	}

	event := DepositUtxoSpent{
		Id:        d.Id,
		Txid:      txid,
		Timestamp: time.Now().Unix(),
	}
	d.raise(event)

	return []DepositEvent{event}, nil
}

func (d *Deposit) Fail(reason, detail string) []DepositEvent {
	if d.IsEnded() {
		return nil
	}

	event := DepositFailed{
		Id:        d.Id,
		Reason:    reason,
		Detail:    detail,
		Timestamp: time.Now().Unix(),
	}
	d.raise(event)

	return []DepositEvent{event}
}

// Cancel aborts a deposit before any utxo has been observed. Afterwards the
// address is dead: later indexer callbacks for it are rejected.
func (d *Deposit) Cancel() ([]DepositEvent, error) {
	switch d.Status {
	case IssuedStatus:
	case UtxoSeenStatus, FinalisedStatus, SettledStatus:
		return nil, ErrDepositAlreadyObserved
	default:
		return nil, fmt.Errorf("not in a valid status to cancel")
	}

	event := DepositCancelled{
		Id:        d.Id,
		Timestamp: time.Now().Unix(),
	}
	d.raise(event)

	return []DepositEvent{event}, nil
}

func (d *Deposit) IsEnded() bool {
	return d.Status == SettledStatus ||
		d.Status == FailedStatus ||
		d.Status == CancelledStatus
}

func (d *Deposit) IsFailed() bool {
	return d.Status == FailedStatus
}

func (d *Deposit) AllVerifiersConfirmed() bool {
	if len(d.Verifiers) <= 0 {
		return false
	}
	for _, status := range d.Verifiers {
		if status != VerifierConfirmed {
			return false
		}
	}
	return true
}

func (d *Deposit) AmountMatches() bool {
	return d.ObservedAmount == d.Amount
}

// ExternalStatus projects the internal state machine onto the user-facing
// status enum.
func (d *Deposit) ExternalStatus() string {
	switch d.Status {
	case IssuedStatus:
		return StatusAddressIssued
	case UtxoSeenStatus:
		return StatusWaitingForConfirmations
	case FinalisedStatus:
		return StatusReadyForMint
	case SettledStatus:
		if d.Chain == ChainSpark || len(d.SpentByTxid) > 0 {
			return StatusSpent
		}
		return StatusMinted
	case FailedStatus, CancelledStatus:
		return StatusFailed
	default:
		return StatusAddressIssued
	}
}

func (d *Deposit) raise(event DepositEvent) {
	if d.changes == nil {
		d.changes = make([]DepositEvent, 0)
	}
	d.changes = append(d.changes, event)
	d.On(event, false)
}
