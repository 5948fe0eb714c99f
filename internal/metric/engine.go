// Package metric turns raw interaction text into bounded, dimensionless signals.
//
// Every function here is pure and total: degenerate inputs (non-positive or
// non-finite token counts and latencies) collapse to zero instead of failing.
// The arithmetic is calibrated against existing dashboards and alert thresholds
// and must not be "improved".
package metric

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/splax/aicwd/internal/domain"
)

const (
	// DefaultStressBaselineMS is the latency considered "unstressed".
	DefaultStressBaselineMS = 800.0

	lengthUnitRunes   = 140
	payloadUnitRunes  = 24
	maxWasteIndex     = 5.0
	maxStress         = 10.0
	fragilityScale    = 20.0
	maxFragilityScore = 100.0
)

var (
	sentenceDelimiters = regexp.MustCompile(`[.!?]+`)
	clauseDelimiters   = regexp.MustCompile(`[;:\n]+`)
)

// EstimateSemanticUnits approximates how much meaning a text carries by
// averaging its sentence count, clause count and 140-rune length units.
// The result is never below 1.
func EstimateSemanticUnits(text string) int {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return 1
	}
	sentences := countSegments(sentenceDelimiters, normalized)
	clauses := countSegments(clauseDelimiters, normalized)
	lengthUnits := int(math.Ceil(float64(utf8.RuneCountInString(normalized)) / lengthUnitRunes))

	mean := float64(sentences+clauses+lengthUnits) / 3
	return maxInt(1, int(math.Round(mean)))
}

// SemanticPayload estimates the meaningful token budget of a response from its length.
func SemanticPayload(response string) int {
	return maxInt(1, int(math.Round(float64(utf8.RuneCountInString(response))/payloadUnitRunes)))
}

// TokenEfficiency is the number of tokens spent per semantic unit.
func TokenEfficiency(tokens float64, semanticUnits int) float64 {
	if !validTokens(tokens) {
		return 0
	}
	return math.Max(0, tokens/float64(maxInt(1, semanticUnits)))
}

// WasteIndex is the share of tokens exceeding the semantic payload, clamped to [0, 5].
func WasteIndex(tokens float64, semanticPayload int) float64 {
	if !validTokens(tokens) {
		return 0
	}
	return clamp((tokens-float64(semanticPayload))/tokens, 0, maxWasteIndex)
}

// Drift is the shortfall of semantic units relative to tokens, clamped to [0, 1].
func Drift(tokens float64, semanticUnits int) float64 {
	if !validTokens(tokens) {
		return 0
	}
	return clamp(1-float64(semanticUnits)/tokens, 0, 1)
}

// Stress normalizes latency against the default 800ms baseline, clamped to [0, 10].
func Stress(latencyMS float64) float64 {
	return StressWithBaseline(latencyMS, DefaultStressBaselineMS)
}

// StressWithBaseline normalizes latency against baselineMS. A non-positive
// baseline falls back to the default.
func StressWithBaseline(latencyMS, baselineMS float64) float64 {
	if math.IsNaN(latencyMS) || math.IsInf(latencyMS, 0) || latencyMS <= 0 {
		return 0
	}
	if math.IsNaN(baselineMS) || math.IsInf(baselineMS, 0) || baselineMS <= 0 {
		baselineMS = DefaultStressBaselineMS
	}
	return clamp(latencyMS/baselineMS, 0, maxStress)
}

// WordCount returns the number of whitespace separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// CoherenceDrop estimates how little meaning a response carries per word, in [0, 1].
func CoherenceDrop(response string) float64 {
	units := EstimateSemanticUnits(response)
	return clamp(1-float64(units)/float64(maxInt(1, WordCount(response))), 0, 1)
}

// FragilityScore rescales the mean waste score of a campaign onto 0..100.
// An empty campaign scores 0.
func FragilityScore(wasteScores []float64) float64 {
	if len(wasteScores) == 0 {
		return 0
	}
	var sum float64
	for _, score := range wasteScores {
		sum += score
	}
	return clamp(sum/float64(len(wasteScores))*fragilityScale, 0, maxFragilityScore)
}

// ComputePoint derives the MetricPoint of one log entry.
func ComputePoint(entry domain.LogEntry) domain.MetricPoint {
	tokens := float64(entry.Tokens)
	units := EstimateSemanticUnits(entry.Response)
	model := entry.Model
	if model == "" {
		model = "unknown"
	}
	return domain.MetricPoint{
		LogID:           entry.ID,
		CreatedAt:       entry.CreatedAt,
		Model:           model,
		Tokens:          entry.Tokens,
		LatencyMS:       entry.LatencyMS,
		TokenEfficiency: TokenEfficiency(tokens, units),
		Drift:           Drift(tokens, units),
		WasteIndex:      WasteIndex(tokens, SemanticPayload(entry.Response)),
		Stress:          Stress(float64(entry.LatencyMS)),
		Prompt:          entry.Prompt,
		Response:        entry.Response,
	}
}

// ComputeWindow maps ComputePoint over entries, preserving order.
func ComputeWindow(entries []domain.LogEntry) []domain.MetricPoint {
	points := make([]domain.MetricPoint, 0, len(entries))
	for _, entry := range entries {
		points = append(points, ComputePoint(entry))
	}
	return points
}

func countSegments(re *regexp.Regexp, text string) int {
	count := 0
	for _, segment := range re.Split(text, -1) {
		if segment != "" {
			count++
		}
	}
	return count
}

func validTokens(tokens float64) bool {
	return !math.IsNaN(tokens) && !math.IsInf(tokens, 0) && tokens > 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
