package validate

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"teamgate/internal/domain"
)

// RuleSecretScan is the stable rule id for credential detection.
const RuleSecretScan = "secret-scan"

// Scan scopes.
const (
	ScopeStaged  = "staged"
	ScopeTracked = "tracked"
)

type secretPattern struct {
	name string
	re   *regexp.Regexp
}

// Known credential shapes. Kept deliberately short; the allow-list handles
// documentation placeholders that would otherwise match.
var secretPatterns = []secretPattern{
	{"aws-access-key-id", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"google-api-key", regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`)},
	{"github-token", regexp.MustCompile(`\bgh[pousr]_[0-9A-Za-z]{36,}\b`)},
	{"slack-token", regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z\-]{10,}\b`)},
	{"private-key-pem", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`)},
	{"opaque-assignment", regexp.MustCompile(`(?i)\b(?:key|secret|token|password)\b\s*[:=]\s*["']?[A-Za-z0-9+/_\-]{20,}`)},
}

// DefaultAllowlist suppresses obvious placeholder values.
var DefaultAllowlist = []string{"YOUR_", "EXAMPLE", "PLACEHOLDER", "DUMMY", "CHANGEME", "<token>", "xxx"}

// Scanner detects credential-shaped content in text files.
type Scanner struct {
	Allowlist []string
}

func (s Scanner) allowlist() []string {
	if len(s.Allowlist) == 0 {
		return DefaultAllowlist
	}
	return s.Allowlist
}

// ScanContent scans one file's content and returns all surviving findings.
// Binary content (NUL byte in the first 512 bytes) is skipped.
func (s Scanner) ScanContent(scope, file string, content []byte) []domain.SecretFinding {
	probe := content
	if len(probe) > 512 {
		probe = probe[:512]
	}
	if bytes.IndexByte(probe, 0) != -1 {
		return nil
	}

	var findings []domain.SecretFinding
	for i, line := range strings.Split(string(content), "\n") {
		for _, p := range secretPatterns {
			if !p.re.MatchString(line) {
				continue
			}
			if s.allowlisted(line) {
				continue
			}
			findings = append(findings, domain.SecretFinding{
				Scope:   scope,
				File:    file,
				Line:    i + 1,
				Pattern: p.name,
			})
		}
	}
	return findings
}

func (s Scanner) allowlisted(line string) bool {
	upper := strings.ToUpper(line)
	for _, token := range s.allowlist() {
		if strings.Contains(upper, strings.ToUpper(token)) {
			return true
		}
	}
	return false
}

// Scan runs the scanner over a set of paths resolved through read. Paths
// that cannot be read (e.g. staged deletions) are skipped. An empty path
// set is a pass by definition.
func (s Scanner) Scan(scope string, paths []string, read ContentReader) Result {
	res := Result{Rule: RuleSecretScan}
	for _, path := range paths {
		content, err := read(path)
		if err != nil {
			continue
		}
		for _, f := range s.ScanContent(scope, path, content) {
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleSecretScan,
				Class:    ClassSecret,
				Artifact: f.File,
				Observed: f.Pattern,
				Message:  fmt.Sprintf("%s pattern matched at %s:%d in %s scope", f.Pattern, f.File, f.Line, f.Scope),
			})
		}
	}
	return res
}
