package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

const (
	insertRequestQuery = `
		INSERT INTO bridge_request (
			id, kind, deposit_id, user_public_key, status, session_id,
			paying_input, fee_payment, burn_txid, txid, attempts, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	updateRequestQuery = `
		UPDATE bridge_request
		SET status = ?, session_id = ?, paying_input = ?, fee_payment = ?,
			burn_txid = ?, txid = ?, attempts = ?, error = ?, updated_at = ?
		WHERE id = ?
	`
	selectRequestQuery = `
		SELECT id, kind, deposit_id, user_public_key, status, session_id,
			paying_input, fee_payment, burn_txid, txid, attempts, error,
			created_at, updated_at
		FROM bridge_request
	`
)

type bridgeRequestRepository struct {
	db *sql.DB
}

func NewBridgeRequestRepository(
	config ...interface{},
) (domain.BridgeRequestRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open bridge request repository: invalid config, expected db at 0")
	}

	return &bridgeRequestRepository{db}, nil
}

func (r *bridgeRequestRepository) AddRequest(
	ctx context.Context, request domain.BridgeRequest,
) error {
	payingInput, feePayment, err := requestColumns(request)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(
		ctx, insertRequestQuery,
		request.Id, string(request.Kind), request.DepositId,
		request.UserPublicKey, int64(request.Status), request.SessionId,
		payingInput, feePayment, request.BurnTxid, request.Txid,
		int64(request.Attempts), request.Error, request.CreatedAt,
		request.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add bridge request: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("bridge request %s already exists", request.Id)
	}
	return nil
}

func (r *bridgeRequestRepository) UpdateRequest(
	ctx context.Context, request domain.BridgeRequest,
) error {
	payingInput, feePayment, err := requestColumns(request)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(
		ctx, updateRequestQuery,
		int64(request.Status), request.SessionId, payingInput, feePayment,
		request.BurnTxid, request.Txid, int64(request.Attempts), request.Error,
		request.UpdatedAt, request.Id,
	)
	if err != nil {
		return fmt.Errorf("failed to update bridge request: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("bridge request %s not found", request.Id)
	}
	return nil
}

func (r *bridgeRequestRepository) GetRequestWithId(
	ctx context.Context, id string,
) (*domain.BridgeRequest, error) {
	row := r.db.QueryRowContext(ctx, selectRequestQuery+" WHERE id = ?", id)
	return rowToRequest(row)
}

func (r *bridgeRequestRepository) GetRequestWithDepositId(
	ctx context.Context, depositId string,
) (*domain.BridgeRequest, error) {
	row := r.db.QueryRowContext(
		ctx, selectRequestQuery+" WHERE deposit_id = ?", depositId,
	)
	return rowToRequest(row)
}

func (r *bridgeRequestRepository) GetRequestsWithStatus(
	ctx context.Context, status domain.RequestStatus,
) ([]domain.BridgeRequest, error) {
	rows, err := r.db.QueryContext(
		ctx, selectRequestQuery+" WHERE status = ?", int64(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bridge requests: %w", err)
	}
	defer rows.Close()

	requests := make([]domain.BridgeRequest, 0)
	for rows.Next() {
		request, err := rowToRequest(rows)
		if err != nil {
			return nil, err
		}
		if request != nil {
			requests = append(requests, *request)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}

func (r *bridgeRequestRepository) Close() {
	_ = r.db.Close()
}

func requestColumns(request domain.BridgeRequest) (sql.NullString, sql.NullString, error) {
	var payingInput, feePayment sql.NullString
	if request.PayingInput != nil {
		encoded, err := jsonText(request.PayingInput)
		if err != nil {
			return payingInput, feePayment, err
		}
		payingInput = nullableText(encoded)
	}
	if request.FeePayment != nil {
		encoded, err := jsonText(request.FeePayment)
		if err != nil {
			return payingInput, feePayment, err
		}
		feePayment = nullableText(encoded)
	}
	return payingInput, feePayment, nil
}

func rowToRequest(row rowScanner) (*domain.BridgeRequest, error) {
	var request domain.BridgeRequest
	var kind string
	var status, attempts int64
	var payingInput, feePayment sql.NullString

	err := row.Scan(
		&request.Id, &kind, &request.DepositId, &request.UserPublicKey,
		&status, &request.SessionId, &payingInput, &feePayment,
		&request.BurnTxid, &request.Txid, &attempts, &request.Error,
		&request.CreatedAt, &request.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan bridge request: %w", err)
	}

	request.Kind = domain.RequestKind(kind)
	request.Status = domain.RequestStatus(status)
	request.Attempts = uint32(attempts)
	if payingInput.Valid {
		request.PayingInput = &domain.PayingInput{}
		if err := fromJsonText(payingInput.String, request.PayingInput); err != nil {
			return nil, fmt.Errorf("failed to parse paying input: %w", err)
		}
	}
	if feePayment.Valid {
		request.FeePayment = &domain.FeePayment{}
		if err := fromJsonText(feePayment.String, request.FeePayment); err != nil {
			return nil, fmt.Errorf("failed to parse fee payment: %w", err)
		}
	}

	return &request, nil
}
