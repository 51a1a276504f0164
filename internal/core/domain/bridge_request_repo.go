package domain

import "context"

type BridgeRequestRepository interface {
	AddRequest(ctx context.Context, request BridgeRequest) error
	UpdateRequest(ctx context.Context, request BridgeRequest) error
	GetRequestWithId(ctx context.Context, id string) (*BridgeRequest, error)
	GetRequestWithDepositId(ctx context.Context, depositId string) (*BridgeRequest, error)
	GetRequestsWithStatus(ctx context.Context, status RequestStatus) ([]BridgeRequest, error)
	Close()
}
