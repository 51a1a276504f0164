package ports

import "context"

// IntentRepository persists the watch intents a verifier has accepted, so a
// restart never silently drops a deposit it promised to check. Intents for
// settled rune deposits are kept around: exits spend those deposit keys and
// the verifier recomputes their tweaks from the stored intent.
type IntentRepository interface {
	UpsertIntent(ctx context.Context, intent SigningIntent) error
	GetIntentWithDepositId(ctx context.Context, depositId string) (*SigningIntent, error)
	GetIntentWithShareId(ctx context.Context, shareId string) (*SigningIntent, error)
	GetAllIntents(ctx context.Context) ([]SigningIntent, error)
	DeleteIntent(ctx context.Context, depositId string) error
	Close()
}
