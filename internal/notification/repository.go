// internal/notification/repository.go

package notification

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository resolves recipient contact points
type Repository interface {
	GetUserEmail(ctx context.Context, userID string) (string, error)
	GetDeviceTokens(ctx context.Context, userID string) ([]string, error)
	RegisterDeviceToken(ctx context.Context, userID, token, platform string) error
	RemoveDeviceToken(ctx context.Context, token string) error
}

type postgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := r.db.GetContext(ctx, &email, `SELECT email FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.New("user not found")
	}
	return email, err
}

func (r *postgresRepository) GetDeviceTokens(ctx context.Context, userID string) ([]string, error) {
	tokens := []string{}
	err := r.db.SelectContext(ctx, &tokens, `SELECT token FROM device_tokens WHERE user_id = $1`, userID)
	return tokens, err
}

func (r *postgresRepository) RegisterDeviceToken(ctx context.Context, userID, token, platform string) error {
	query := `
		INSERT INTO device_tokens (token, user_id, platform, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE SET user_id = $2, platform = $3`

	_, err := r.db.ExecContext(ctx, query, token, userID, platform, time.Now())
	return err
}

func (r *postgresRepository) RemoveDeviceToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE token = $1`, token)
	return err
}
