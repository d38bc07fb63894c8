package services

import (
	"math"
	"strings"
	"unicode"
)

// ModelProfile holds the per-model constants the estimator works from.
type ModelProfile struct {
	Name             string
	AvgCharsPerUnit  float64
	CostPer1000Units float64
	ContextWindow    int
}

func DefaultModelProfile() ModelProfile {
	return ModelProfile{
		Name:             "standard",
		AvgCharsPerUnit:  3.8,
		CostPer1000Units: 0.015,
		ContextWindow:    128000,
	}
}

type EstimateWarning struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation"`
}

type Estimate struct {
	InputUnits          int               `json:"input_units"`
	PromptOverheadUnits int               `json:"prompt_overhead_units"`
	TotalInputUnits     int               `json:"total_input_units"`
	MaxOutputUnits      int               `json:"max_output_units"`
	EstimatedCost       float64           `json:"estimated_cost"`
	Warnings            []EstimateWarning `json:"warnings,omitempty"`
}

// promptOverheadBase approximates the fixed instructional scaffolding sent
// with every generation request, before the per-project descriptive fields.
const promptOverheadBase = 180

// Generated output must not exceed 40% of the input size.
const maxOutputRatio = 0.4

var academicKeywords = []string{
	"theorem", "hypothesis", "methodology", "analysis", "empirical",
	"corollary", "paradigm", "dissertation", "literature", "framework",
	"qualitative", "quantitative", "bibliography", "citation", "abstract",
}

// Estimator converts raw text length plus light metadata into an approximate
// unit count, a safe output bound and a monetary estimate. Pure; never
// errors — guardrail findings come back as structured warnings.
type Estimator struct {
	profile ModelProfile
}

func NewEstimator(profile ModelProfile) *Estimator {
	if profile.AvgCharsPerUnit <= 0 {
		profile.AvgCharsPerUnit = DefaultModelProfile().AvgCharsPerUnit
	}
	return &Estimator{profile: profile}
}

func (e *Estimator) Profile() ModelProfile { return e.profile }

func (e *Estimator) Estimate(text, faculty, topic string) Estimate {
	base := int(math.Ceil(float64(len(text)) / e.profile.AvgCharsPerUnit))

	// Heuristic corrections are multiplicative, not additive.
	multiplier := 1.0
	if academicKeywordHits(text) >= 3 {
		multiplier *= 0.85
	}
	if digitTokenRatio(text) > 0.1 {
		multiplier *= 1.15
	}
	if longWordRatio(text) > 0.05 {
		multiplier *= 0.9
	}

	inputUnits := int(math.Ceil(float64(base) * multiplier))
	overhead := promptOverheadBase + int(math.Ceil(float64(len(faculty)+len(topic))/4))
	totalInput := inputUnits + overhead
	maxOutput := int(math.Ceil(float64(inputUnits) * maxOutputRatio))

	cost := float64(totalInput+maxOutput) / 1000 * e.profile.CostPer1000Units

	est := Estimate{
		InputUnits:          inputUnits,
		PromptOverheadUnits: overhead,
		TotalInputUnits:     totalInput,
		MaxOutputUnits:      maxOutput,
		EstimatedCost:       cost,
	}

	if e.profile.ContextWindow > 0 && totalInput > e.profile.ContextWindow*8/10 {
		est.Warnings = append(est.Warnings, EstimateWarning{
			Code:        "near_context_limit",
			Message:     "estimated input exceeds 80% of the model context window",
			Remediation: "split the chunk into smaller sections before submitting",
		})
	}
	if inputUnits < 100 {
		est.Warnings = append(est.Warnings, EstimateWarning{
			Code:        "input_too_small",
			Message:     "chunk is implausibly small for a standalone analysis",
			Remediation: "merge it with an adjacent section",
		})
	}
	if inputUnits > 6000 {
		est.Warnings = append(est.Warnings, EstimateWarning{
			Code:        "input_too_large",
			Message:     "chunk is unusually large and may produce degraded output",
			Remediation: "split the chunk at a section boundary",
		})
	}
	return est
}

func academicKeywordHits(text string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range academicKeywords {
		hits += strings.Count(lower, kw)
	}
	return hits
}

func digitTokenRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	numeric := 0
	for _, f := range fields {
		if startsWithDigit(f) {
			numeric++
		}
	}
	return float64(numeric) / float64(len(fields))
}

func startsWithDigit(s string) bool {
	for _, r := range s {
		return unicode.IsDigit(r)
	}
	return false
}

func longWordRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	long := 0
	for _, f := range fields {
		if len(f) > 12 {
			long++
		}
	}
	return float64(long) / float64(len(fields))
}
