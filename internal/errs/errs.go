// Package errs contains sentinel errors shared across the sync layers.
package errs

import "errors"

var (
	// ErrAuthExpired indicates the refresh token was rejected by the provider.
	// Recovery requires the interactive authorization flow; no sync is possible.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrNoToken indicates no token has been persisted yet (first run).
	ErrNoToken = errors.New("no stored token")

	// ErrLedgerCorrupt indicates the sync ledger exists but cannot be read.
	ErrLedgerCorrupt = errors.New("sync ledger unreadable")

	// ErrConfig indicates missing or malformed configuration.
	ErrConfig = errors.New("invalid configuration")
)
