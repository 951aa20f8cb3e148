// Package validation provides plausibility checks for Solar-Log snapshots.
package validation

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/rs/zerolog"
)

// ValidationLevel defines the strictness of validation rules.
type ValidationLevel int

const (
	ValidationLevelBasic ValidationLevel = iota
	ValidationLevelStandard
	ValidationLevelStrict
)

// String returns the string representation of the validation level.
func (vl ValidationLevel) String() string {
	switch vl {
	case ValidationLevelBasic:
		return "basic"
	case ValidationLevelStandard:
		return "standard"
	case ValidationLevelStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseLevel converts a level name to a ValidationLevel.
func ParseLevel(name string) (ValidationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "basic":
		return ValidationLevelBasic, nil
	case "", "standard":
		return ValidationLevelStandard, nil
	case "strict":
		return ValidationLevelStrict, nil
	default:
		return ValidationLevelStandard, fmt.Errorf("unknown validation level %q", name)
	}
}

// Warning describes one implausible value in a snapshot.
type Warning struct {
	Rule    string      `json:"rule"`
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// String implements fmt.Stringer.
func (w *Warning) String() string {
	return fmt.Sprintf("%s: %s (%v)", w.Field, w.Message, w.Value)
}

// ValidationResult contains the result of a validation check.
type ValidationResult struct {
	Warnings   []*Warning `json:"warnings"`
	Confidence float64    `json:"confidence"` // 0.0-1.0
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if !vr.HasWarnings() {
		return fmt.Sprintf("Plausible (confidence: %.2f)", vr.Confidence)
	}
	return fmt.Sprintf("%d warnings (confidence: %.2f)", len(vr.Warnings), vr.Confidence)
}

// SnapshotRule checks one aspect of a snapshot.
type SnapshotRule struct {
	Name        string
	Description string
	Level       ValidationLevel
	Check       func(snapshot *domain.Snapshot, now time.Time) []*Warning
}

// SnapshotValidator runs plausibility rules against snapshots. It never
// rejects a snapshot; findings are reported as warnings.
type SnapshotValidator struct {
	level  ValidationLevel
	rules  []*SnapshotRule
	logger zerolog.Logger
	now    func() time.Time

	// Statistics
	validationsPerformed int64
	warningsFound        int64
}

// NewSnapshotValidator creates a validator with the default rules.
func NewSnapshotValidator(level ValidationLevel, logger zerolog.Logger) *SnapshotValidator {
	validator := &SnapshotValidator{
		level:  level,
		logger: logger.With().Str("component", "validator").Logger(),
		now:    time.Now,
	}
	validator.registerDefaultRules()
	return validator
}

// Validate runs every rule enabled at the validator's level.
func (sv *SnapshotValidator) Validate(snapshot *domain.Snapshot) *ValidationResult {
	atomic.AddInt64(&sv.validationsPerformed, 1)

	result := &ValidationResult{
		Warnings:   make([]*Warning, 0),
		Confidence: 1.0,
	}
	if snapshot == nil {
		return result
	}

	now := sv.now()
	for _, rule := range sv.rules {
		if rule.Level > sv.level {
			continue
		}
		for _, warning := range rule.Check(snapshot, now) {
			warning.Rule = rule.Name
			result.Warnings = append(result.Warnings, warning)
			result.Confidence *= 0.9
		}
	}

	if n := len(result.Warnings); n > 0 {
		atomic.AddInt64(&sv.warningsFound, int64(n))
		sv.logger.Debug().Int("warnings", n).Msg(result.Summary())
	}

	return result
}

// AddRule adds a custom rule.
func (sv *SnapshotValidator) AddRule(rule *SnapshotRule) {
	sv.rules = append(sv.rules, rule)
	sv.logger.Debug().Str("rule", rule.Name).Msg("Added custom snapshot rule")
}

// GetStatistics returns validation statistics.
func (sv *SnapshotValidator) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"validations_performed": atomic.LoadInt64(&sv.validationsPerformed),
		"warnings_found":        atomic.LoadInt64(&sv.warningsFound),
		"validation_level":      sv.level.String(),
		"rules":                 len(sv.rules),
	}
}

func (sv *SnapshotValidator) registerDefaultRules() {
	sv.rules = []*SnapshotRule{
		{
			Name:        "timestamp_reasonableness",
			Description: "Device clock is set and not ahead of the local clock",
			Level:       ValidationLevelBasic,
			Check: func(s *domain.Snapshot, now time.Time) []*Warning {
				if s.LastUpdated.IsZero() {
					return []*Warning{{Field: "last_updated", Message: "timestamp missing", Value: s.LastUpdated}}
				}
				if s.LastUpdated.After(now.Add(time.Hour)) {
					return []*Warning{{Field: "last_updated", Message: "timestamp is in the future", Value: s.LastUpdated}}
				}
				return nil
			},
		},
		{
			Name:        "non_negative_counters",
			Description: "Power and energy counters are never negative",
			Level:       ValidationLevelStandard,
			Check: func(s *domain.Snapshot, _ time.Time) []*Warning {
				var warnings []*Warning
				for field, value := range counters(s) {
					if value < 0 {
						warnings = append(warnings, &Warning{Field: field, Message: "negative value", Value: value})
					}
				}
				return warnings
			},
		},
		{
			Name:        "percentage_range",
			Description: "Efficiency, capacity and battery level stay within 0-100 %",
			Level:       ValidationLevelStandard,
			Check: func(s *domain.Snapshot, _ time.Time) []*Warning {
				var warnings []*Warning
				check := func(field string, value float64) {
					if value < 0 || value > 100 {
						warnings = append(warnings, &Warning{Field: field, Message: "outside 0-100 %", Value: value})
					}
				}
				if s.Efficiency != nil {
					check("efficiency", *s.Efficiency)
				}
				if s.Capacity != nil {
					check("capacity", *s.Capacity)
				}
				if s.Battery != nil {
					check("battery_level", s.Battery.Level)
				}
				return warnings
			},
		},
		{
			Name:        "yield_ordering",
			Description: "Daily yield does not exceed monthly, monthly not yearly, yearly not total",
			Level:       ValidationLevelStrict,
			Check: func(s *domain.Snapshot, _ time.Time) []*Warning {
				var warnings []*Warning
				if s.YieldDay > s.YieldMonth {
					warnings = append(warnings, &Warning{Field: "yield_day", Message: "exceeds yield_month", Value: s.YieldDay})
				}
				if s.YieldMonth > s.YieldYear {
					warnings = append(warnings, &Warning{Field: "yield_month", Message: "exceeds yield_year", Value: s.YieldMonth})
				}
				if s.YieldYear > s.YieldTotal {
					warnings = append(warnings, &Warning{Field: "yield_year", Message: "exceeds yield_total", Value: s.YieldYear})
				}
				return warnings
			},
		},
	}
}

func counters(s *domain.Snapshot) map[string]float64 {
	return map[string]float64{
		"power_ac":              s.PowerAC,
		"power_dc":              s.PowerDC,
		"voltage_ac":            s.VoltageAC,
		"voltage_dc":            s.VoltageDC,
		"yield_day":             s.YieldDay,
		"yield_yesterday":       s.YieldYesterday,
		"yield_month":           s.YieldMonth,
		"yield_year":            s.YieldYear,
		"yield_total":           s.YieldTotal,
		"consumption_ac":        s.ConsumptionAC,
		"consumption_day":       s.ConsumptionDay,
		"consumption_yesterday": s.ConsumptionYesterday,
		"consumption_month":     s.ConsumptionMonth,
		"consumption_year":      s.ConsumptionYear,
		"consumption_total":     s.ConsumptionTotal,
		"total_power":           s.TotalPower,
	}
}
