// Package detection tags attacker input with the kind of activity it looks like.
package detection

import (
	"regexp"
	"strings"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

type DetectionEngine struct {
	rules []*Rule
}

type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Severity string
}

type DetectionResult struct {
	Matched  bool
	Tag      string
	Severity string
}

var severityRank = map[string]int{"low": 1, "medium": 2, "high": 3, "critical": 4}

func NewDetectionEngine() *DetectionEngine {
	de := &DetectionEngine{}
	de.initLocalRules()
	return de
}

func (de *DetectionEngine) initLocalRules() {
	de.rules = []*Rule{
		{
			Name:     "path_traversal",
			Pattern:  regexp.MustCompile(`\.\./|\.\.\\|%2e%2e%2f`),
			Severity: "critical",
		},
		{
			Name:     "sql_injection",
			Pattern:  regexp.MustCompile(`(?i)(UNION\s+(ALL\s+)?SELECT|SELECT\s+.+\s+FROM|DROP\s+TABLE|INSERT\s+INTO|DELETE\s+FROM|'\s*OR\s*'?\d*'?\s*=|SLEEP\s*\(|INTO\s+OUTFILE)`),
			Severity: "critical",
		},
		{
			Name:     "xss",
			Pattern:  regexp.MustCompile(`(?i)<script|javascript:|onerror=|onload=`),
			Severity: "high",
		},
		{
			Name:     "malware_download",
			Pattern:  regexp.MustCompile(`(?i)\b(wget|curl|tftp|ftpget)\b.+(https?://|ftp://|\d+\.\d+\.\d+\.\d+)`),
			Severity: "critical",
		},
		{
			Name:     "shell_execution",
			Pattern:  regexp.MustCompile(`(?i)(/bin/(ba)?sh|chmod\s+\+?[0-7x]+|\bnc\s+-e\b|python\s+-c|perl\s+-e|base64\s+-d)`),
			Severity: "high",
		},
		{
			Name:     "privilege_escalation",
			Pattern:  regexp.MustCompile(`(?i)^\s*(sudo\b|su\s|su$|enable\b)`),
			Severity: "medium",
		},
		{
			Name:     "reconnaissance",
			Pattern:  regexp.MustCompile(`(?i)(\buname\b|\bwhoami\b|^\s*id\s*$|/etc/passwd|/etc/shadow|\bifconfig\b|\bnetstat\b|show\s+running-config|show\s+version|@@version|information_schema)`),
			Severity: "low",
		},
	}
}

// Classify returns the most severe rule matched by the event message and
// its fields. Connect, disconnect and reject events are never tagged.
func (de *DetectionEngine) Classify(ev honeypot.Event) DetectionResult {
	switch ev.Category {
	case honeypot.CategoryConnect, honeypot.CategoryDisconnect, honeypot.CategoryReject:
		return DetectionResult{}
	}

	inputs := []string{ev.Message}
	for key, v := range ev.Fields {
		if isCredentialField(key) {
			continue
		}
		inputs = append(inputs, v)
	}

	var best DetectionResult
	for _, rule := range de.rules {
		for _, in := range inputs {
			if in == "" || !rule.Pattern.MatchString(in) {
				continue
			}
			if !best.Matched || severityRank[rule.Severity] > severityRank[best.Severity] {
				best = DetectionResult{Matched: true, Tag: rule.Name, Severity: rule.Severity}
			}
			break
		}
	}
	return best
}

// Tag fills ev.Tag when a rule matches and returns the result.
func (de *DetectionEngine) Tag(ev *honeypot.Event) DetectionResult {
	res := de.Classify(*ev)
	if res.Matched && ev.Tag == "" {
		ev.Tag = res.Tag
	}
	return res
}

func isCredentialField(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || k == "pass"
}
