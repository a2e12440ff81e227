// Package inputfilter scans action metadata for prompt-injection attempts
// and personally identifiable or sensitive information before a decision is
// made, redacting what it can and optionally blocking what it can't.
package inputfilter

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Level is the strictness the caller's resolved policy selected.
type Level string

const (
	LevelPermissive Level = "permissive"
	LevelBalanced   Level = "balanced"
	LevelStrict     Level = "strict"
)

// Classification records that one detector fired against the scanned text.
type Classification struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
}

// Redaction records one match replaced in the sanitized output. Offset and
// Length refer to the original input text. Pattern and Category coincide
// while each category is backed by a single detector.
type Redaction struct {
	Pattern  string `json:"pattern"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	Category string `json:"category"`
}

// Result is the outcome of scanning one piece of text.
type Result struct {
	Allowed         bool             `json:"allowed"`
	Sanitized       string           `json:"sanitized"`
	Classifications []Classification `json:"classifications,omitempty"`
	Redactions      []Redaction      `json:"redactions,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
}

type detector struct {
	name     string
	category string // "injection", "pii", or "sensitive"
	severity string
	regex    *regexp.Regexp
	redact   bool
	validate func(match string) bool // optional extra check (e.g. Luhn); nil means always valid
}

// injectionDetectors fire at every level. Only in LevelStrict do they flip
// Result.Allowed to false; at lower levels they surface as warnings.
var injectionDetectors = []*detector{
	{name: "sql_injection", category: "injection", severity: "high",
		regex: regexp.MustCompile(`(?i)\b(union\s+select|select\s+.+\s+from|drop\s+table|insert\s+into|delete\s+from|\bor\s+1\s*=\s*1\b)`)},
	{name: "script_tag", category: "injection", severity: "high",
		regex: regexp.MustCompile(`(?i)<script[^>]*>`)},
	{name: "shell_metachar", category: "injection", severity: "medium",
		regex: regexp.MustCompile("[;&|`]|\\$\\("),
	},
	{name: "path_traversal", category: "injection", severity: "medium",
		regex: regexp.MustCompile(`\.\./|%2e%2e%2f`)},
	{name: "ignore_instructions", category: "injection", severity: "critical",
		regex: regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`)},
	{name: "system_override", category: "injection", severity: "critical",
		regex: regexp.MustCompile(`(?i)\bsystem\s*:\s*you\s+are\b`)},
}

// piiDetectors additionally fire at LevelBalanced and LevelStrict. Matches
// are redacted in the sanitized output; they never affect Allowed.
var piiDetectors = []*detector{
	{name: "email", category: "pii", severity: "medium", redact: true,
		regex: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
	{name: "phone", category: "pii", severity: "medium", redact: true,
		regex: regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{name: "ipv4", category: "pii", severity: "low", redact: true,
		regex: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
}

// sensitiveDetectors additionally fire at LevelStrict only.
var sensitiveDetectors = []*detector{
	{name: "ssn", category: "sensitive", severity: "high", redact: true,
		regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{name: "credit_card", category: "sensitive", severity: "critical", redact: true,
		regex:    regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
		validate: isLuhnValid,
	},
	{name: "health_keyword", category: "sensitive", severity: "medium",
		regex: regexp.MustCompile(`(?i)\b(diagnosis|prescription|medical record|hiv positive|mental health treatment)\b`)},
	{name: "financial_keyword", category: "sensitive", severity: "medium",
		regex: regexp.MustCompile(`(?i)\b(bank account number|routing number|account balance|credit score)\b`)},
	{name: "legal_keyword", category: "sensitive", severity: "medium",
		regex: regexp.MustCompile(`(?i)\b(subpoena|indictment|plaintiff|defendant)\b`)},
}

// detectorsFor returns the detector set active at level, in a fixed order so
// that output is deterministic for identical input.
func detectorsFor(level Level) []*detector {
	switch level {
	case LevelStrict:
		all := make([]*detector, 0, len(injectionDetectors)+len(piiDetectors)+len(sensitiveDetectors))
		all = append(all, injectionDetectors...)
		all = append(all, piiDetectors...)
		all = append(all, sensitiveDetectors...)
		return all
	case LevelBalanced:
		all := make([]*detector, 0, len(injectionDetectors)+len(piiDetectors))
		all = append(all, injectionDetectors...)
		all = append(all, piiDetectors...)
		return all
	default: // LevelPermissive and unrecognized values
		return injectionDetectors
	}
}

// Scan evaluates text at the given level. It is a pure function over
// pre-compiled regexes, so identical (text, level) always yields an
// identical Result.
func Scan(text string, level Level) Result {
	result := Result{Allowed: true, Sanitized: text}
	if text == "" {
		return result
	}

	for _, d := range detectorsFor(level) {
		indices := d.regex.FindAllStringIndex(text, -1)
		if d.validate != nil {
			filtered := indices[:0]
			for _, idx := range indices {
				if d.validate(text[idx[0]:idx[1]]) {
					filtered = append(filtered, idx)
				}
			}
			indices = filtered
		}
		if len(indices) == 0 {
			continue
		}

		result.Classifications = append(result.Classifications, Classification{
			Category: d.category,
			Name:     d.name,
			Severity: d.severity,
		})

		if d.category == "injection" {
			result.Warnings = append(result.Warnings, d.name+": potential injection pattern detected ("+d.severity+")")
			if level == LevelStrict {
				result.Allowed = false
			}
			continue
		}

		if d.redact {
			for _, idx := range indices {
				result.Redactions = append(result.Redactions, Redaction{
					Pattern:  d.name,
					Offset:   idx[0],
					Length:   idx[1] - idx[0],
					Category: d.name,
				})
			}
			result.Sanitized = d.regex.ReplaceAllStringFunc(result.Sanitized, func(m string) string {
				if d.validate != nil && !d.validate(m) {
					return m
				}
				return "[REDACTED:" + d.name + "]"
			})
		}
	}

	return result
}

// isLuhnValid reports whether a digit string (optionally separated by
// spaces or hyphens) passes the Luhn checksum, used to distinguish a real
// credit card number from an arbitrary 13-19 digit run.
func isLuhnValid(match string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, match)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d, err := strconv.Atoi(string(digits[i]))
		if err != nil {
			return false
		}
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// Filter wraps Scan with logging, for components that want to record
// detections without handling Result plumbing themselves.
type Filter struct {
	logger *slog.Logger
}

// NewFilter creates a Filter.
func NewFilter(logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{logger: logger.With("component", "inputfilter.Filter")}
}

// Scan runs Scan(text, level) and logs a warning if anything was detected.
func (f *Filter) Scan(text string, level Level) Result {
	result := Scan(text, level)
	if len(result.Classifications) > 0 {
		f.logger.Warn("input filter detection",
			"level", level, "allowed", result.Allowed, "classifications", len(result.Classifications))
	}
	return result
}
