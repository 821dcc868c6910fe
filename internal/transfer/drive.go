package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribed/internal/database"
)

const (
	defaultDriveBaseURL  = "https://www.googleapis.com/drive/v3"
	defaultDriveTokenURL = "https://oauth2.googleapis.com/token"
)

// CredentialStore holds per-owner OAuth credentials for the cloud-drive
// source. Refreshed access tokens are written back so other instances
// pick them up.
type CredentialStore interface {
	GetDriveCredential(ctx context.Context, owner string) (*database.DriveCredential, error)
	UpdateDriveToken(ctx context.Context, owner, accessToken string, expiresAt time.Time) error
}

// DriveFile is the metadata scribed needs before moving any bytes.
type DriveFile struct {
	ID       string
	Name     string
	Size     int64
	MimeType string
}

// DriveClient fetches files from the owner's cloud drive using stored
// OAuth credentials, refreshing the access token when it has expired.
type DriveClient struct {
	clientID     string
	clientSecret string
	baseURL      string
	tokenURL     string
	creds        CredentialStore
	client       *http.Client
	log          zerolog.Logger
}

// NewDriveClient creates a drive client backed by the given credential
// store.
func NewDriveClient(clientID, clientSecret string, creds CredentialStore, log zerolog.Logger) *DriveClient {
	return &DriveClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      defaultDriveBaseURL,
		tokenURL:     defaultDriveTokenURL,
		creds:        creds,
		client:       &http.Client{Timeout: 5 * time.Minute},
		log:          log.With().Str("component", "drive").Logger(),
	}
}

// GetMetadata returns name, size and mime type for a drive file.
func (d *DriveClient) GetMetadata(ctx context.Context, owner, fileID string) (*DriveFile, error) {
	u := fmt.Sprintf("%s/files/%s?fields=id,name,size,mimeType", d.baseURL, url.PathEscape(fileID))
	resp, err := d.do(ctx, owner, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Size     string `json:"size"`
		MimeType string `json:"mimeType"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode drive metadata: %w", err)
	}

	// The drive API returns size as a decimal string.
	size, err := strconv.ParseInt(raw.Size, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("drive file %s has no size (folder or native doc?)", fileID)
	}
	return &DriveFile{ID: raw.ID, Name: raw.Name, Size: size, MimeType: raw.MimeType}, nil
}

// Download opens the file content stream. The caller must close it.
func (d *DriveClient) Download(ctx context.Context, owner, fileID string) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/files/%s?alt=media", d.baseURL, url.PathEscape(fileID))
	resp, err := d.do(ctx, owner, u)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// do performs an authenticated GET, refreshing the token and retrying
// once on 401.
func (d *DriveClient) do(ctx context.Context, owner, u string) (*http.Response, error) {
	token, err := d.token(ctx, owner, false)
	if err != nil {
		return nil, err
	}

	resp, err := d.get(ctx, u, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		token, err = d.token(ctx, owner, true)
		if err != nil {
			return nil, err
		}
		resp, err = d.get(ctx, u, token)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("drive API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (d *DriveClient) get(ctx context.Context, u, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return d.client.Do(req)
}

// token returns a usable access token for the owner, refreshing it when
// expired or when force is set.
func (d *DriveClient) token(ctx context.Context, owner string, force bool) (string, error) {
	cred, err := d.creds.GetDriveCredential(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("drive credentials for %s: %w", owner, err)
	}
	if !force && !cred.Expired() {
		return cred.AccessToken, nil
	}
	return d.refresh(ctx, cred)
}

func (d *DriveClient) refresh(ctx context.Context, cred *database.DriveCredential) (string, error) {
	form := url.Values{
		"client_id":     {d.clientID},
		"client_secret": {d.clientSecret},
		"refresh_token": {cred.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token refresh status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if err := d.creds.UpdateDriveToken(ctx, cred.Owner, tok.AccessToken, expiresAt); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}

	d.log.Info().Str("owner", cred.Owner).Time("expires_at", expiresAt).Msg("drive token refreshed")
	return tok.AccessToken, nil
}
