package tokenstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tbrandt/withings2icu/internal/errs"
	"github.com/tbrandt/withings2icu/internal/withings"
)

type fakeRefresher struct {
	tok        withings.Token
	err        error
	calls      int
	gotRefresh string
}

var _ Refresher = (*fakeRefresher)(nil)

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (withings.Token, error) {
	f.calls++
	f.gotRefresh = refreshToken
	if f.err != nil {
		return withings.Token{}, f.err
	}
	return f.tok, nil
}

func newTestStore(t *testing.T, r Refresher) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "token.json"), r, zap.NewNop())
}

func TestLoadNoToken(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	_, err := s.Load()
	require.ErrorIs(t, err, errs.ErrNoToken)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	tok := withings.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, s.Save(tok))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, tok.AccessToken, got.AccessToken)
	require.Equal(t, tok.RefreshToken, got.RefreshToken)
	require.WithinDuration(t, tok.ExpiresAt, got.ExpiresAt, time.Second)
}

func TestSaveRestrictsFileMode(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	require.NoError(t, s.Save(withings.Token{AccessToken: "a", RefreshToken: "r"}))

	info, err := os.Stat(s.path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadCorruptFile(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	require.NoError(t, os.WriteFile(s.path, []byte("not json"), 0o600))

	_, err := s.Load()
	require.Error(t, err)
	require.NotErrorIs(t, err, errs.ErrNoToken)
}

func TestGetValidTokenFreshSkipsRefresh(t *testing.T) {
	t.Parallel()

	refresher := &fakeRefresher{}
	s := newTestStore(t, refresher)
	tok := withings.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, s.Save(tok))

	got, err := s.GetValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-1", got.AccessToken)
	require.Zero(t, refresher.calls)
}

func TestGetValidTokenRefreshesStaleAndPersists(t *testing.T) {
	t.Parallel()

	refresher := &fakeRefresher{
		tok: withings.Token{
			AccessToken:  "access-2",
			RefreshToken: "refresh-2",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
	s := newTestStore(t, refresher)
	stale := withings.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(10 * time.Second), // inside the safety margin
	}
	require.NoError(t, s.Save(stale))

	got, err := s.GetValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-2", got.AccessToken)
	require.False(t, got.ExpiresWithin(time.Minute))
	require.Equal(t, 1, refresher.calls)
	require.Equal(t, "refresh-1", refresher.gotRefresh)

	// The rotated pair must be on disk for the next run.
	persisted, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, "access-2", persisted.AccessToken)
	require.Equal(t, "refresh-2", persisted.RefreshToken)
}

func TestGetValidTokenAuthExpiredPassesThrough(t *testing.T) {
	t.Parallel()

	refresher := &fakeRefresher{
		err: fmt.Errorf("%w: provider rejected refresh token", errs.ErrAuthExpired),
	}
	s := newTestStore(t, refresher)
	require.NoError(t, s.Save(withings.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	_, err := s.GetValidToken(context.Background())
	require.ErrorIs(t, err, errs.ErrAuthExpired)
}

func TestGetValidTokenNoToken(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &fakeRefresher{})
	_, err := s.GetValidToken(context.Background())
	require.ErrorIs(t, err, errs.ErrNoToken)
}
