// Package sync drives an end-to-end synchronization run: resolve the date
// range, fetch measurements, map them per day, and upload day by day while
// keeping the ledger current. All collaborators are injected, so a run owns
// no ambient state of its own.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tbrandt/withings2icu/internal/errs"
	"github.com/tbrandt/withings2icu/internal/mapper"
	"github.com/tbrandt/withings2icu/internal/withings"
)

const dayFormat = "2006-01-02"

// TokenSource yields an access token valid for at least the store's safety
// margin. Implemented by tokenstore.Store.
type TokenSource interface {
	GetValidToken(ctx context.Context) (withings.Token, error)
}

// MeasurementSource fetches raw measurements for a date range. Implemented
// by withings.Client.
type MeasurementSource interface {
	FetchMeasurements(ctx context.Context, tok withings.Token, from, to time.Time) ([]withings.Measurement, error)
}

// WellnessSink uploads one day's wellness fields. Implemented by
// intervals.Client.
type WellnessSink interface {
	UploadWellness(ctx context.Context, day string, fields map[string]float64) error
}

// Ledger tracks which days are already synced. Implemented by ledger.Ledger.
type Ledger interface {
	IsSynced(day string) bool
	MarkSynced(ctx context.Context, day string) error
	MostRecentDay() (string, bool)
}

// Summary counts the per-day outcomes of one run.
type Summary struct {
	Uploaded int
	Skipped  int
	Failed   int
}

func (s Summary) String() string {
	return fmt.Sprintf("uploaded %d, skipped %d (already synced), failed %d",
		s.Uploaded, s.Skipped, s.Failed)
}

// Options wires an Orchestrator.
type Options struct {
	Tokens       TokenSource
	Source       MeasurementSource
	Sink         WellnessSink
	Ledger       Ledger
	Mapping      mapper.Mapping
	ForceResync  bool
	LookbackDays int
	Log          *zap.Logger

	// Now is the clock, defaulting to time.Now.
	Now func() time.Time
}

// Orchestrator runs the sync state machine over its injected collaborators.
type Orchestrator struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

// New creates an Orchestrator from the given options.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{opts: opts, log: opts.Log, now: opts.Now}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// ResolveStart determines the first day to sync. An explicit override wins;
// otherwise the run resumes at the day after the most recent ledger entry;
// an empty ledger falls back to LookbackDays before today.
func (o *Orchestrator) ResolveStart(override string) (time.Time, error) {
	if override != "" {
		t, err := time.ParseInLocation(dayFormat, override, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid start date %q, want YYYY-MM-DD", errs.ErrConfig, override)
		}
		return t, nil
	}
	if last, ok := o.opts.Ledger.MostRecentDay(); ok {
		t, err := time.ParseInLocation(dayFormat, last, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: unparseable ledger day %q", errs.ErrLedgerCorrupt, last)
		}
		return t.AddDate(0, 0, 1), nil
	}
	return o.today().AddDate(0, 0, -o.opts.LookbackDays), nil
}

// Run syncs all days from start through today and reports the outcome. A
// single day's upload failure is recorded and the loop carries on; auth and
// fetch failures abort the run. The returned Summary is valid either way.
func (o *Orchestrator) Run(ctx context.Context, start time.Time) (Summary, error) {
	var s Summary

	tok, err := o.opts.Tokens.GetValidToken(ctx)
	if err != nil {
		return s, err
	}

	o.log.Info("fetching measurements",
		zap.String("from", start.Format(dayFormat)),
		zap.String("to", o.today().Format(dayFormat)))
	records, err := o.opts.Source.FetchMeasurements(ctx, tok, start, o.now())
	if err != nil {
		return s, err
	}

	updates := mapper.GroupByDay(mapper.Map(records, o.opts.Mapping, o.log))
	if len(updates) == 0 {
		o.log.Info("nothing to sync in range")
		return s, nil
	}

	for _, upd := range updates {
		if !o.opts.ForceResync && o.opts.Ledger.IsSynced(upd.Day) {
			s.Skipped++
			o.log.Debug("skipping already synced day", zap.String("day", upd.Day))
			continue
		}
		if err := o.opts.Sink.UploadWellness(ctx, upd.Day, upd.Fields); err != nil {
			s.Failed++
			o.log.Error("upload failed", zap.String("day", upd.Day), zap.Error(err))
			continue
		}
		if err := o.opts.Ledger.MarkSynced(ctx, upd.Day); err != nil {
			// The upload landed, so the next run re-uploading this day is a
			// harmless upsert. Still counted as a failure so the operator
			// notices the ledger trouble.
			s.Failed++
			o.log.Warn("day uploaded but not recorded in ledger",
				zap.String("day", upd.Day), zap.Error(err))
			continue
		}
		s.Uploaded++
		o.log.Info("day synced", zap.String("day", upd.Day), zap.Int("fields", len(upd.Fields)))
	}

	if s.Skipped > 0 && !o.opts.ForceResync {
		o.log.Info("already synced days were skipped; re-run with --force-resync to re-upload them",
			zap.Int("skipped", s.Skipped))
	}
	return s, nil
}

// today returns the current day at midnight local time.
func (o *Orchestrator) today() time.Time {
	now := o.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
