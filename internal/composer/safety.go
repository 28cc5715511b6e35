package composer

import (
	"regexp"
)

// Severity of a policy finding.
type Severity int

const (
	// SeverityWarn findings are recorded on the draft for review but do
	// not suppress it.
	SeverityWarn Severity = iota
	// SeverityBlock findings suppress the draft entirely.
	SeverityBlock
)

// Flag is one policy finding on a generated reply.
type Flag struct {
	Kind     string
	Severity Severity
}

// policyRule pairs a compiled pattern with its classification.
type policyRule struct {
	kind     string
	severity Severity
	pattern  *regexp.Regexp
}

// Patterns scan the generated output only. They catch the failure modes
// seen in review: unapproved financial claims, PII shapes that have no
// business in a support reply, and prompt-injection artifacts echoed back
// by the model.
var policyRules = []policyRule{
	{
		kind:     "financial_claim",
		severity: SeverityBlock,
		pattern:  regexp.MustCompile(`(?i)\b(guaranteed (return|profit|refund)|risk[- ]free investment|double your money)\b`),
	},
	{
		kind:     "ssn",
		severity: SeverityBlock,
		pattern:  regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		kind:     "card_number",
		severity: SeverityBlock,
		pattern:  regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
	},
	{
		kind:     "credential",
		severity: SeverityBlock,
		pattern:  regexp.MustCompile(`(?i)\b(password|api[_ ]?key|bearer token)\s*[:=]\s*\S+`),
	},
	{
		kind:     "prompt_injection_echo",
		severity: SeverityBlock,
		pattern:  regexp.MustCompile(`(?i)(ignore (all|any|the|previous|prior) (previous |prior )?instructions|as an ai (language )?model|my system prompt)`),
	},
	{
		kind:     "external_link",
		severity: SeverityWarn,
		pattern:  regexp.MustCompile(`https?://`),
	},
}

// scanReply returns the policy findings for a generated reply, one flag
// per matched rule.
func scanReply(reply string) []Flag {
	var flags []Flag
	for _, rule := range policyRules {
		if rule.pattern.MatchString(reply) {
			flags = append(flags, Flag{Kind: rule.kind, Severity: rule.severity})
		}
	}
	return flags
}

// blockingFlag reports whether any finding has block severity and returns
// the first blocking kind.
func blockingFlag(flags []Flag) (bool, string) {
	for _, f := range flags {
		if f.Severity == SeverityBlock {
			return true, f.Kind
		}
	}
	return false, ""
}
