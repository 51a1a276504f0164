package domain

import "context"

type DepositEventRepository interface {
	Save(ctx context.Context, id string, events ...DepositEvent) (*Deposit, error)
	Load(ctx context.Context, id string) (*Deposit, error)
	RegisterEventsHandler(func(*Deposit))
	Close()
}

type DepositRepository interface {
	AddOrUpdateDeposit(ctx context.Context, deposit Deposit) error
	GetDepositWithId(ctx context.Context, id string) (*Deposit, error)
	GetDepositWithAddress(ctx context.Context, address string) (*Deposit, error)
	GetDepositWithTxid(ctx context.Context, txid string) (*Deposit, error)
	GetDepositsWithUserKey(ctx context.Context, userPublicKey string) ([]Deposit, error)
	GetDepositsWithStatus(ctx context.Context, status DepositStatus) ([]Deposit, error)
	Close()
}
