package restservice

import (
	"encoding/json"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/application"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
)

type outPointJSON struct {
	Txid string `json:"txid"`
	VOut uint32 `json:"vout"`
}

// feePaymentJSON is an untagged union: either an outpoint object spendable
// by the bridge or a spark transfer reference string.
type feePaymentJSON struct {
	outpoint *outPointJSON
	transfer string
}

func (f *feePaymentJSON) UnmarshalJSON(data []byte) error {
	var transfer string
	if err := json.Unmarshal(data, &transfer); err == nil {
		f.transfer = transfer
		return nil
	}
	var outpoint outPointJSON
	if err := json.Unmarshal(data, &outpoint); err == nil && len(outpoint.Txid) > 0 {
		f.outpoint = &outpoint
		return nil
	}
	return fmt.Errorf("fee_payment must be an outpoint or a spark transfer id")
}

func (f *feePaymentJSON) MarshalJSON() ([]byte, error) {
	if f.outpoint != nil {
		return json.Marshal(f.outpoint)
	}
	return json.Marshal(f.transfer)
}

func (f *feePaymentJSON) toDomain() *domain.FeePayment {
	if f == nil {
		return nil
	}
	payment := &domain.FeePayment{SparkTransfer: f.transfer}
	if f.outpoint != nil {
		payment.BtcOutpoint = &domain.Outpoint{Txid: f.outpoint.Txid, VOut: f.outpoint.VOut}
	}
	return payment
}

type failedStatusJSON struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// notifyStatusJSON is a tagged union, exactly one branch is set.
type notifyStatusJSON struct {
	Confirmed *struct{}         `json:"confirmed,omitempty"`
	Pending   *struct{}         `json:"pending,omitempty"`
	Failed    *failedStatusJSON `json:"failed,omitempty"`
}

type notifyRequest struct {
	VerifierId    string           `json:"verifier_id"`
	OutPoint      *outPointJSON    `json:"out_point,omitempty"`
	SparkAddress  string           `json:"spark_address,omitempty"`
	SatsFeeAmount uint64           `json:"sats_fee_amount"`
	Status        notifyStatusJSON `json:"status"`
}

func (r *notifyRequest) toNotification() (*ports.DepositNotification, error) {
	notification := &ports.DepositNotification{
		VerifierId:    r.VerifierId,
		SparkAddress:  r.SparkAddress,
		SatsFeeAmount: r.SatsFeeAmount,
	}
	if r.OutPoint != nil {
		notification.Outpoint = &domain.Outpoint{
			Txid: r.OutPoint.Txid,
			VOut: r.OutPoint.VOut,
		}
	}

	switch {
	case r.Status.Confirmed != nil:
		notification.Status = ports.NotifyStatusConfirmed
	case r.Status.Pending != nil:
		notification.Status = ports.NotifyStatusPending
	case r.Status.Failed != nil:
		notification.Status = ports.NotifyStatusFailed
		notification.Reason = r.Status.Failed.Reason
		notification.Detail = r.Status.Failed.Detail
	default:
		return nil, fmt.Errorf("missing notification status")
	}
	return notification, nil
}

type wruneDetailsJSON struct {
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	Divisibility    uint8  `json:"divisibility"`
	Supply          string `json:"supply"`
	TokenIdentifier string `json:"token_identifier"`
}

func toWruneDetailsJSON(meta domain.WruneMetadata) wruneDetailsJSON {
	return wruneDetailsJSON{
		Name:            meta.Name,
		Symbol:          meta.Symbol,
		Divisibility:    meta.Divisibility,
		Supply:          meta.Supply,
		TokenIdentifier: meta.TokenIdentifier,
	}
}

type activityItemJSON struct {
	RuneId             string            `json:"rune_id"`
	Amount             uint64            `json:"amount"`
	BtcDepositAddress  string            `json:"btc_deposit_address,omitempty"`
	SparkBridgeAddress string            `json:"spark_bridge_address,omitempty"`
	Status             string            `json:"status"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	Confirmations      *uint64           `json:"confirmations,omitempty"`
	Txid               *string           `json:"txid,omitempty"`
	VOut               *uint32           `json:"vout,omitempty"`
	SettlementTxid     string            `json:"settlement_txid,omitempty"`
	WruneMetadata      *wruneDetailsJSON `json:"wrune_metadata,omitempty"`
}

func toActivityItemJSON(item application.ActivityItem) activityItemJSON {
	out := activityItemJSON{
		RuneId:             item.RuneId,
		Amount:             item.Amount,
		BtcDepositAddress:  item.BtcDepositAddress,
		SparkBridgeAddress: item.SparkBridgeAddress,
		Status:             item.Status,
		FailureReason:      item.FailureReason,
		Confirmations:      item.Confirmations,
		Txid:               item.Txid,
		VOut:               item.VOut,
		SettlementTxid:     item.SettlementTxid,
	}
	if item.WruneMetadata != nil {
		details := toWruneDetailsJSON(*item.WruneMetadata)
		out.WruneMetadata = &details
	}
	return out
}
