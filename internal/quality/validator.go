// Package quality scores incoming market events against declarative rules,
// tracks rolling quality statistics for anomaly detection, and gates the
// pipeline through a circuit breaker when quality collapses.
package quality

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/optionsflow/optionsflow/internal/calendar"
	"github.com/optionsflow/optionsflow/internal/config"
	"github.com/optionsflow/optionsflow/internal/domain"
)

// ValidationResult is the per-event validation outcome.
type ValidationResult struct {
	IsValid      bool               `json:"is_valid"`
	QualityScore float64            `json:"quality_score"`
	FailedRules  []string           `json:"failed_rules,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
	FieldScores  map[string]float64 `json:"field_scores,omitempty"`
	Completeness float64            `json:"completeness"`
	CircuitOpen  bool               `json:"circuit_open,omitempty"`
}

// Stats is a snapshot of validator counters.
type Stats struct {
	Validated uint64          `json:"validated"`
	Passed    uint64          `json:"passed"`
	Rejected  uint64          `json:"rejected"`
	Anomalies uint64          `json:"anomalies"`
	Breaker   BreakerSnapshot `json:"breaker"`
}

const minAnomalySamples = 10

// rule is a compiled validation rule.
type rule struct {
	config.RuleConfig
	regex *regexp.Regexp
}

// rollingScores is a bounded history used for z-score anomaly detection.
type rollingScores struct {
	values []float64
	max    int
}

func (r *rollingScores) push(v float64) {
	r.values = append(r.values, v)
	if len(r.values) > r.max {
		r.values = r.values[1:]
	}
}

func (r *rollingScores) meanStd() (float64, float64) {
	n := len(r.values)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range r.values {
		sum += v
	}
	mean := sum / float64(n)
	if n < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range r.values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(n-1))
}

// Validator evaluates events. The breaker and rolling histories are global to
// the instance, guarded by one lock.
type Validator struct {
	rules     []rule
	threshold float64
	clock     calendar.Clock
	breaker   *CircuitBreaker

	mu           sync.Mutex
	overall      *rollingScores
	perField     map[string]*rollingScores
	historyMax   int
	validated    uint64
	passed       uint64
	rejectedN    uint64
	anomalyCount uint64
}

// NewValidator compiles the configured rules. A nil clock uses the wall clock.
func NewValidator(cfg config.ValidatorConfig, clock calendar.Clock) (*Validator, error) {
	if clock == nil {
		clock = calendar.RealClock{}
	}
	rules := make([]rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		r := rule{RuleConfig: rc}
		if rc.Type == "format" && rc.Regex != "" {
			re, err := regexp.Compile(rc.Regex)
			if err != nil {
				return nil, fmt.Errorf("rule %s: bad regex: %w", rc.Name, err)
			}
			r.regex = re
		}
		rules = append(rules, r)
	}
	historyMax := cfg.HistorySize
	if historyMax <= 0 {
		historyMax = 500
	}
	return &Validator{
		rules:      rules,
		threshold:  cfg.AnomalyThreshold,
		clock:      clock,
		breaker:    NewCircuitBreaker(cfg.FailureThreshold, time.Duration(cfg.BreakerTimeoutS)*time.Second, clock),
		overall:    &rollingScores{max: historyMax},
		perField:   make(map[string]*rollingScores),
		historyMax: historyMax,
	}, nil
}

// Validate scores one event. While the breaker is open every event is
// rejected with the circuit-breaker reason, valid or not.
func (v *Validator) Validate(ev domain.MarketEvent) (bool, ValidationResult) {
	if !v.breaker.Allow() {
		v.mu.Lock()
		v.validated++
		v.rejectedN++
		v.mu.Unlock()
		return false, ValidationResult{
			IsValid:     false,
			CircuitOpen: true,
			FailedRules: []string{"circuit_breaker_open"},
		}
	}

	result := v.evaluate(ev)
	failure := result.QualityScore < 0.5 || !result.IsValid
	v.breaker.Record(failure)

	v.mu.Lock()
	v.validated++
	if result.IsValid {
		v.passed++
	} else {
		v.rejectedN++
	}
	v.detectAnomaliesLocked(&result)
	v.mu.Unlock()

	return result.IsValid, result
}

func (v *Validator) evaluate(ev domain.MarketEvent) ValidationResult {
	result := ValidationResult{
		IsValid:     true,
		FieldScores: make(map[string]float64),
	}

	var weightedSum, weightTotal float64
	consistency := 1.0

	for _, r := range v.rules {
		if r.Type == "consistency" {
			consistency = v.scoreConsistency(ev, &result)
			continue
		}
		score, evaluated := v.scoreFieldRule(r, ev, &result)
		if !evaluated {
			continue
		}
		result.FieldScores[r.Field] = score
		w := r.Weight
		if w <= 0 {
			w = 1.0
		}
		weightedSum += w * score
		weightTotal += w
	}

	fieldAvg := 1.0
	if weightTotal > 0 {
		fieldAvg = weightedSum / weightTotal
	}
	result.QualityScore = 0.7*fieldAvg + 0.3*consistency
	result.Completeness = completeness(ev)
	return result
}

// scoreFieldRule evaluates one required/range/format rule. The second return
// is false when the rule does not apply to this event (absent optional field).
func (v *Validator) scoreFieldRule(r rule, ev domain.MarketEvent, result *ValidationResult) (float64, bool) {
	value, present := numericField(ev, r.Field)

	switch r.Type {
	case "required":
		if !present {
			result.IsValid = false
			result.FailedRules = append(result.FailedRules, r.Name)
			return 0, true
		}
		return 1, true

	case "range":
		if !present {
			return 0, false
		}
		if value < r.Min || value > r.Max {
			result.IsValid = false
			result.FailedRules = append(result.FailedRules, r.Name)
			return 0, true
		}
		return rangeScore(value, r.Min, r.Max), true

	case "format":
		s, ok := stringField(ev, r.Field)
		if !ok || s == "" {
			return 0, false
		}
		if r.regex != nil {
			if r.regex.MatchString(s) {
				return 1, true
			}
			result.IsValid = false
			result.FailedRules = append(result.FailedRules, r.Name)
			return 0, true
		}
		if formatHeuristic(r.Field, s) {
			return 1, true
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("field %s fails format heuristic", r.Field))
		return 0.5, true
	}
	return 0, false
}

// rangeScore degrades linearly from 1.0 in the central 80% of the range down
// toward 0.5 at the edges. A tolerance band, not a hard cliff.
func rangeScore(value, min, max float64) float64 {
	if max <= min {
		return 1
	}
	center := (min + max) / 2
	half := (max - min) / 2
	dist := math.Abs(value-center) / half
	if dist <= 0.8 {
		return 1.0
	}
	return 1.0 - (dist-0.8)/0.2*0.5
}

// scoreConsistency runs the cross-field checks and returns their average.
func (v *Validator) scoreConsistency(ev domain.MarketEvent, result *ValidationResult) float64 {
	var scores []float64

	// Quote ordering.
	if ev.BidPrice > 0 && ev.AskPrice > 0 {
		if ev.BidPrice > ev.AskPrice {
			scores = append(scores, 0)
			result.IsValid = false
			result.FailedRules = append(result.FailedRules, "bid_ask_inverted")
		} else {
			scores = append(scores, 1)
		}
	}

	// Trade print position relative to the spread.
	if ev.TradePrice > 0 && ev.BidPrice > 0 && ev.AskPrice >= ev.BidPrice {
		spread := ev.AskPrice - ev.BidPrice
		switch {
		case ev.TradePrice >= ev.BidPrice && ev.TradePrice <= ev.AskPrice:
			scores = append(scores, 1.0)
		case ev.TradePrice >= ev.BidPrice-0.1*spread && ev.TradePrice <= ev.AskPrice+0.1*spread:
			scores = append(scores, 0.8)
			result.Warnings = append(result.Warnings, "trade printed just outside the quote")
		default:
			scores = append(scores, 0.5)
			result.Warnings = append(result.Warnings, "trade printed far from the quote")
		}
	}

	// Trade size.
	if ev.TradePrice > 0 {
		if ev.TradeSize > 0 {
			scores = append(scores, 1)
		} else {
			scores = append(scores, 0)
			result.IsValid = false
			result.FailedRules = append(result.FailedRules, "nonpositive_trade_size")
		}
	}

	// Timestamp recency, in steps.
	age := v.clock.Now().Sub(ev.Timestamp)
	switch {
	case age <= time.Minute:
		scores = append(scores, 1.0)
	case age <= 5*time.Minute:
		scores = append(scores, 0.8)
	case age <= time.Hour:
		scores = append(scores, 0.6)
	default:
		scores = append(scores, 0.3)
	}

	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// detectAnomaliesLocked z-scores the new quality against rolling history.
// Caller holds v.mu.
func (v *Validator) detectAnomaliesLocked(result *ValidationResult) {
	check := func(name string, history *rollingScores, value float64) {
		if len(history.values) >= minAnomalySamples {
			mean, std := history.meanStd()
			if std > 0 {
				z := (value - mean) / std
				if math.Abs(z) > v.threshold {
					severity := "medium"
					if math.Abs(z) > 3.0 {
						severity = "high"
					}
					v.anomalyCount++
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("%s quality anomaly: z=%.2f severity=%s", name, z, severity))
				}
			}
		}
		history.push(value)
	}

	check("overall", v.overall, result.QualityScore)
	for field, score := range result.FieldScores {
		h, ok := v.perField[field]
		if !ok {
			h = &rollingScores{max: v.historyMax}
			v.perField[field] = h
		}
		check(field, h, score)
	}
}

// BreakerState exposes the breaker position for status reporting.
func (v *Validator) BreakerState() BreakerState {
	return v.breaker.State()
}

// Stats returns a snapshot of validator counters.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Stats{
		Validated: v.validated,
		Passed:    v.passed,
		Rejected:  v.rejectedN,
		Anomalies: v.anomalyCount,
		Breaker:   v.breaker.Snapshot(),
	}
}

// Field access helpers. Rules address event fields by snake_case name.

func numericField(ev domain.MarketEvent, name string) (float64, bool) {
	switch name {
	case "bid_price":
		return ev.BidPrice, ev.BidPrice != 0
	case "ask_price":
		return ev.AskPrice, ev.AskPrice != 0
	case "bid_size":
		return ev.BidSize, ev.BidSize != 0
	case "ask_size":
		return ev.AskSize, ev.AskSize != 0
	case "trade_price":
		return ev.TradePrice, ev.TradePrice != 0
	case "trade_size":
		return ev.TradeSize, ev.HasTrade()
	case "strike":
		return ev.Instrument.Strike, ev.Instrument.Strike != 0
	}
	return 0, false
}

func stringField(ev domain.MarketEvent, name string) (string, bool) {
	switch name {
	case "event_id":
		return ev.EventID, true
	case "timestamp", "event_time":
		if ev.Timestamp.IsZero() {
			return "", true
		}
		return ev.Timestamp.Format(time.RFC3339), true
	}
	if v, ok := numericField(ev, name); ok {
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return "", false
}

// formatHeuristic applies lightweight type checks keyed off the field suffix.
func formatHeuristic(field, value string) bool {
	switch {
	case strings.HasSuffix(field, "_id"):
		_, err := strconv.ParseInt(value, 10, 64)
		return err == nil
	case strings.HasSuffix(field, "_price"):
		_, err := strconv.ParseFloat(value, 64)
		return err == nil
	case strings.HasSuffix(field, "_time"):
		_, err := time.Parse(time.RFC3339, value)
		return err == nil
	}
	return true
}

func completeness(ev domain.MarketEvent) float64 {
	total, present := 3.0, 0.0
	if ev.BidPrice > 0 {
		present++
	}
	if ev.AskPrice > 0 {
		present++
	}
	if !ev.Timestamp.IsZero() {
		present++
	}
	if ev.TradePrice > 0 || ev.TradeSize > 0 {
		total += 2
		if ev.TradePrice > 0 {
			present++
		}
		if ev.TradeSize > 0 {
			present++
		}
	}
	return present / total
}
