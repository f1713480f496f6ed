// Package tokenstore persists the Withings OAuth token pair in a JSON file
// and hands out access tokens that are guaranteed valid for at least the
// safety margin, refreshing through the provider when needed.
package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tbrandt/withings2icu/internal/errs"
	"github.com/tbrandt/withings2icu/internal/withings"
)

// expiryMargin is how close to expiry an access token may get before it is
// refreshed instead of used.
const expiryMargin = 60 * time.Second

// Refresher trades a refresh token for a new token pair. Implemented by
// withings.Client.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (withings.Token, error)
}

// Store is a file-backed token store.
type Store struct {
	path      string
	refresher Refresher
	log       *zap.Logger
}

// New creates a Store over the given file path.
func New(path string, refresher Refresher, log *zap.Logger) *Store {
	return &Store{path: path, refresher: refresher, log: log}
}

// Load reads the stored token pair. Returns errs.ErrNoToken if no token has
// been stored yet.
func (s *Store) Load() (withings.Token, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return withings.Token{}, errs.ErrNoToken
		}
		return withings.Token{}, fmt.Errorf("reading token file %s: %w", s.path, err)
	}
	var tok withings.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return withings.Token{}, fmt.Errorf("decoding token file %s: %w", s.path, err)
	}
	return tok, nil
}

// Save writes the token pair to disk with an atomic replace so a crash
// mid-write cannot leave a truncated file behind.
func (s *Store) Save(tok withings.Token) error {
	raw, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("restricting token file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp token file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing token file %s: %w", s.path, err)
	}
	return nil
}

// GetValidToken returns a token whose access token is valid for at least the
// safety margin. A stale token is refreshed through the provider and the new
// pair is persisted before it is returned, so the rotated refresh token is
// never lost. errs.ErrAuthExpired from the refresher passes through for the
// caller to trigger re-authorization.
func (s *Store) GetValidToken(ctx context.Context) (withings.Token, error) {
	tok, err := s.Load()
	if err != nil {
		return withings.Token{}, err
	}
	if !tok.ExpiresWithin(expiryMargin) {
		return tok, nil
	}

	s.log.Debug("access token stale, refreshing", zap.Time("expires_at", tok.ExpiresAt))
	refreshed, err := s.refresher.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		return withings.Token{}, err
	}
	if err := s.Save(refreshed); err != nil {
		return withings.Token{}, fmt.Errorf("persisting refreshed token: %w", err)
	}
	return refreshed, nil
}
