package account

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists accounts in their encrypted storage representation.
// OTP and reset-token consumption are single-statement compare-and-clear
// operations; the boolean result reports whether the row matched.
type Repository interface {
	Create(ctx context.Context, sa *StoredAccount) error
	GetByID(ctx context.Context, id uuid.UUID) (*StoredAccount, error)
	GetByEmailHash(ctx context.Context, emailHash string) (*StoredAccount, error)
	GetByResetToken(ctx context.Context, token string) (*StoredAccount, error)
	UpdateProfile(ctx context.Context, sa *StoredAccount) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetOTP(ctx context.Context, id uuid.UUID, code string, expiresAt time.Time) error
	ConsumeOTP(ctx context.Context, id uuid.UUID, code string, now time.Time) (bool, error)
	SetResetToken(ctx context.Context, id uuid.UUID, token string, expiresAt time.Time) error
	ConsumeResetToken(ctx context.Context, id uuid.UUID, token, passwordHash string, now time.Time) (bool, error)
	SetTwoFactor(ctx context.Context, id uuid.UUID, enabled bool) error
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkDeletionVerified(ctx context.Context, id uuid.UUID, at time.Time) error
	CountByRole(ctx context.Context, role string) (int, error)
	List(ctx context.Context, limit, offset int) ([]*StoredAccount, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
