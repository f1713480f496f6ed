// Package config loads the sync configuration from an INI file. Every key
// can also be set through the environment with a WITHINGS2ICU_ prefix, so
// WITHINGS2ICU_WITHINGS_CLIENT_ID overrides withings.client_id.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/tbrandt/withings2icu/internal/errs"
)

// Withings holds the source provider's OAuth2 application credentials.
type Withings struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Intervals holds the destination platform's API credentials.
type Intervals struct {
	APIKey    string
	AthleteID string
}

// Fields names the destination wellness field for each source measurement
// type. An empty name disables syncing of that type.
type Fields struct {
	Weight     string
	BodyFat    string
	Diastolic  string
	Systolic   string
	MuscleMass string
	BodyTemp   string
}

// Config is the full sync configuration, read once at startup.
type Config struct {
	Withings  Withings
	Intervals Intervals
	Fields    Fields

	TokenFile    string
	LedgerFile   string
	LogFile      string
	LookbackDays int
}

// Load reads the configuration file at path. A missing file is not an error
// as long as the required keys arrive via the environment; missing required
// keys or malformed values yield an error wrapping errs.ErrConfig.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	v.SetEnvPrefix("withings2icu")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("general.token_file", "./withings_token.json")
	v.SetDefault("general.ledger_file", "./synced_days.db")
	v.SetDefault("general.log_file", "./withings2icu.log")
	v.SetDefault("general.lookback_days", 1)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: reading %s: %v", errs.ErrConfig, path, err)
		}
	}

	cfg := &Config{
		Withings: Withings{
			ClientID:     v.GetString("withings.client_id"),
			ClientSecret: v.GetString("withings.client_secret"),
			RedirectURI:  v.GetString("withings.redirect_uri"),
		},
		Intervals: Intervals{
			APIKey:    v.GetString("intervals.icu_api_key"),
			AthleteID: v.GetString("intervals.icu_athlete_id"),
		},
		Fields: Fields{
			Weight:     v.GetString("fields.weight_field"),
			BodyFat:    v.GetString("fields.bodyfat_field"),
			Diastolic:  v.GetString("fields.diastolic_field"),
			Systolic:   v.GetString("fields.systolic_field"),
			MuscleMass: v.GetString("fields.muscle_field"),
			BodyTemp:   v.GetString("fields.temp_field"),
		},
		TokenFile:    v.GetString("general.token_file"),
		LedgerFile:   v.GetString("general.ledger_file"),
		LogFile:      v.GetString("general.log_file"),
		LookbackDays: v.GetInt("general.lookback_days"),
	}

	var missing []string
	require := func(key, val string) {
		if val == "" {
			missing = append(missing, key)
		}
	}
	require("withings.client_id", cfg.Withings.ClientID)
	require("withings.client_secret", cfg.Withings.ClientSecret)
	require("withings.redirect_uri", cfg.Withings.RedirectURI)
	require("intervals.icu_api_key", cfg.Intervals.APIKey)
	require("intervals.icu_athlete_id", cfg.Intervals.AthleteID)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required keys: %s", errs.ErrConfig, strings.Join(missing, ", "))
	}

	if cfg.LookbackDays < 0 {
		return nil, fmt.Errorf("%w: general.lookback_days must not be negative", errs.ErrConfig)
	}

	return cfg, nil
}
