// Package mapper converts source measurements into the destination's
// wellness-record shape using the configured field-name mapping.
package mapper

import (
	"sort"

	"go.uber.org/zap"

	"github.com/tbrandt/withings2icu/internal/config"
	"github.com/tbrandt/withings2icu/internal/withings"
)

// Mapping associates each source measurement type with the destination
// field name its values are written to. Types without an entry are dropped.
type Mapping map[withings.MeasureType]string

// Record is one mapped wellness value for a single day and field.
type Record struct {
	Day   string
	Field string
	Value float64
}

// DayUpdate is one destination upload: every mapped field for a single day.
type DayUpdate struct {
	Day    string
	Fields map[string]float64
}

// FromFields builds the Mapping from the configured per-type field names,
// leaving out types with no destination field.
func FromFields(f config.Fields) Mapping {
	m := Mapping{}
	set := func(t withings.MeasureType, field string) {
		if field != "" {
			m[t] = field
		}
	}
	set(withings.TypeWeight, f.Weight)
	set(withings.TypeBodyFat, f.BodyFat)
	set(withings.TypeDiastolic, f.Diastolic)
	set(withings.TypeSystolic, f.Systolic)
	set(withings.TypeMuscleMass, f.MuscleMass)
	set(withings.TypeBodyTemp, f.BodyTemp)
	return m
}

// Map converts measurements into wellness records, preserving input order.
// Source and destination agree on units for every supported type (kg,
// percent, mmHg, degrees Celsius), so values pass through unconverted.
// Measurements of unmapped types are dropped and logged at debug level.
func Map(records []withings.Measurement, mapping Mapping, log *zap.Logger) []Record {
	out := make([]Record, 0, len(records))
	for _, m := range records {
		field, ok := mapping[m.Type]
		if !ok {
			log.Debug("skipping measurement with no mapped field",
				zap.String("type", string(m.Type)), zap.String("day", m.Day))
			continue
		}
		out = append(out, Record{Day: m.Day, Field: field, Value: m.Value})
	}
	return out
}

// GroupByDay merges records into one update per day, in ascending day
// order. When a day carries several records for the same field, the last
// one wins.
func GroupByDay(records []Record) []DayUpdate {
	byDay := make(map[string]map[string]float64)
	for _, r := range records {
		if byDay[r.Day] == nil {
			byDay[r.Day] = make(map[string]float64)
		}
		byDay[r.Day][r.Field] = r.Value
	}

	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	out := make([]DayUpdate, 0, len(days))
	for _, d := range days {
		out = append(out, DayUpdate{Day: d, Fields: byDay[d]})
	}
	return out
}
