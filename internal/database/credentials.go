package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DriveCredential is a per-owner cloud-drive OAuth credential pair.
// Token issuance and the consent flow live elsewhere; scribed only reads
// the pair and records refreshed access tokens.
type DriveCredential struct {
	Owner        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token needs a refresh, with a small
// skew margin so a token doesn't expire mid-download.
func (c *DriveCredential) Expired() bool {
	return time.Now().After(c.ExpiresAt.Add(-30 * time.Second))
}

// GetDriveCredential returns the stored credential for an owner.
func (db *DB) GetDriveCredential(ctx context.Context, owner string) (*DriveCredential, error) {
	var c DriveCredential
	err := db.Pool.QueryRow(ctx, `
		SELECT owner, access_token, refresh_token, expires_at
		FROM drive_credentials
		WHERE owner = $1
	`, owner).Scan(&c.Owner, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateDriveToken stores a refreshed access token and its expiry.
func (db *DB) UpdateDriveToken(ctx context.Context, owner, accessToken string, expiresAt time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE drive_credentials
		SET access_token = $2, expires_at = $3, updated_at = now()
		WHERE owner = $1
	`, owner, accessToken, expiresAt)
	if err != nil {
		return fmt.Errorf("update drive token: %w", err)
	}
	return nil
}
