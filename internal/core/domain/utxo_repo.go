package domain

import "context"

type UtxoRepository interface {
	AddUtxos(ctx context.Context, utxos []Utxo) error
	ConfirmUtxos(ctx context.Context, keys []Outpoint) error
	// LockUtxos reserves the utxos for an exit request, failing if any of
	// them is not spendable.
	LockUtxos(ctx context.Context, keys []Outpoint, requestId string) error
	UnlockUtxos(ctx context.Context, keys []Outpoint) error
	SpendUtxos(ctx context.Context, keys []Outpoint, txid string) error
	GetUtxos(ctx context.Context, keys []Outpoint) ([]Utxo, error)
	GetSpendableUtxos(ctx context.Context, runeId string) ([]Utxo, error)
	GetLockedUtxos(ctx context.Context, requestId string) ([]Utxo, error)
	GetAllUtxos(ctx context.Context) ([]Utxo, error)
	Close()
}
