// Package cmd implements the withings2icu command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tbrandt/withings2icu/internal/config"
	"github.com/tbrandt/withings2icu/internal/errs"
	"github.com/tbrandt/withings2icu/internal/intervals"
	"github.com/tbrandt/withings2icu/internal/ledger"
	"github.com/tbrandt/withings2icu/internal/logging"
	"github.com/tbrandt/withings2icu/internal/mapper"
	"github.com/tbrandt/withings2icu/internal/sync"
	"github.com/tbrandt/withings2icu/internal/tokenstore"
	"github.com/tbrandt/withings2icu/internal/withings"
)

// version is stamped at build time via -ldflags "-X ...cmd.version=".
var version = "dev"

var (
	flagConfig      string
	flagStart       string
	flagAuthCode    string
	flagForceResync bool
	flagVerbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "withings2icu",
	Short: "Sync Withings wellness measurements to Intervals.icu",
	Long: `withings2icu fetches weight, body composition, blood pressure and body
temperature measurements from the Withings API and upserts them into the
matching Intervals.icu wellness fields.

Synced days are recorded in a local ledger and skipped on later runs unless
--force-resync is given. The first run walks you through the interactive
Withings authorization; use --auth-code on headless machines.

Configuration lives in an INI file (default ./config.ini):

  [withings]
  client_id = <app client id>
  client_secret = <app client secret>
  redirect_uri = http://localhost:8080/callback

  [intervals]
  icu_api_key = <intervals.icu api key>
  icu_athlete_id = <athlete id, e.g. i12345>

  [fields]
  weight_field = weight
  bodyfat_field = bodyFat
  systolic_field = systolicBP
  diastolic_field = diastolicBP

Every key can also be set via the environment, e.g.
WITHINGS2ICU_WITHINGS_CLIENT_ID.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSync,
}

// Execute runs the CLI and exits nonzero on any failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "./config.ini", "Path to the configuration file")
	rootCmd.Flags().StringVar(&flagStart, "start", "", "Sync start date (YYYY-MM-DD); default resumes after the last synced day")
	rootCmd.Flags().StringVar(&flagAuthCode, "auth-code", "", "Authorization code obtained out of band, for headless setup")
	rootCmd.Flags().BoolVar(&flagForceResync, "force-resync", false, "Re-upload days already recorded in the ledger")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	log, flush := logging.New(flagVerbose, cfg.LogFile)
	defer flush()
	log.Debug("starting", zap.String("version", version), zap.String("config", flagConfig))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := withings.NewClient(withings.Credentials{
		ClientID:     cfg.Withings.ClientID,
		ClientSecret: cfg.Withings.ClientSecret,
		RedirectURI:  cfg.Withings.RedirectURI,
	}, withings.WithLogger(log))
	tokens := tokenstore.New(cfg.TokenFile, source, log)

	if err := ensureAuthorized(ctx, tokens, source, log); err != nil {
		return err
	}

	led, err := openLedger(cfg.LedgerFile, flagForceResync, log)
	if err != nil {
		return err
	}
	defer led.Close()

	sink := intervals.NewClient(cfg.Intervals.APIKey, cfg.Intervals.AthleteID,
		intervals.WithLogger(log))

	orch := sync.New(sync.Options{
		Tokens:       tokens,
		Source:       source,
		Sink:         sink,
		Ledger:       led,
		Mapping:      mapper.FromFields(cfg.Fields),
		ForceResync:  flagForceResync,
		LookbackDays: cfg.LookbackDays,
		Log:          log,
	})

	start, err := orch.ResolveStart(flagStart)
	if err != nil {
		return err
	}

	summary, err := orch.Run(ctx, start)
	if err != nil {
		if errors.Is(err, errs.ErrAuthExpired) {
			return fmt.Errorf("authorization expired and could not be refreshed: delete %s and re-run to authorize again (%v)", cfg.TokenFile, err)
		}
		return err
	}

	log.Info("sync complete",
		zap.Int("uploaded", summary.Uploaded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	if summary.Failed > 0 {
		return fmt.Errorf("sync finished with failures: %s", summary)
	}
	return nil
}

// ensureAuthorized makes sure a stored token pair exists. With --auth-code
// the code is exchanged directly, replacing any stored token; otherwise a
// missing token starts the interactive one-shot authorization flow.
func ensureAuthorized(ctx context.Context, tokens *tokenstore.Store, client *withings.Client, log *zap.Logger) error {
	if flagAuthCode != "" {
		tok, err := client.Exchange(ctx, flagAuthCode)
		if err != nil {
			return err
		}
		if err := tokens.Save(tok); err != nil {
			return err
		}
		log.Info("authorization stored")
		return nil
	}

	_, err := tokens.Load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, errs.ErrNoToken) {
		return err
	}

	log.Info("no stored authorization, starting first-run setup")
	tok, err := client.Authorize(ctx, os.Stdout)
	if err != nil {
		return err
	}
	if err := tokens.Save(tok); err != nil {
		return err
	}
	log.Info("authorization stored")
	return nil
}

// openLedger opens the sync ledger. Under --force-resync a corrupt ledger
// is started over instead of aborting, since a forced run ignores its
// content anyway.
func openLedger(path string, force bool, log *zap.Logger) (*ledger.Ledger, error) {
	led, err := ledger.Open(path, log)
	if err == nil {
		return led, nil
	}
	if !force || !errors.Is(err, errs.ErrLedgerCorrupt) {
		return nil, err
	}
	log.Warn("ledger unreadable, starting it over for forced resync",
		zap.String("path", path), zap.Error(err))
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("removing corrupt ledger %s: %w", path, err)
	}
	return ledger.Open(path, log)
}
