package validate

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// RuleEditAuthority is the stable rule id for protected-path edit control.
const RuleEditAuthority = "edit-authority"

// provenanceRE matches the embedded reference linking an edit to the
// decision or change request that authorised it, e.g.
// "decision_id=DEC-0003" or "change_request_id=CR-WHITE-0012".
var provenanceRE = regexp.MustCompile(`(?:decision_id=DEC-[0-9]{4}|change_request_id=CR-[A-Z]+-[0-9]{4})`)

// ContentReader resolves a changed path to its current content.
type ContentReader func(path string) ([]byte, error)

// Authority verifies that only the designated role touches executable
// assets under governed directories and that every such edit carries a
// provenance reference. The editor role is a caller-supplied claim; the
// result notes that it is unverified.
type Authority struct {
	Role            string
	ProtectedDirs   []string
	AssetExtensions []string
	ExemptDirs      []string
}

// Check inspects changed paths. Authority is a binary gate, so an editor
// mismatch short-circuits; missing provenance references are collected so
// the full set of offending files is reported.
func (a Authority) Check(changed []string, editorRole string, read ContentReader) (Result, error) {
	res := Result{Rule: RuleEditAuthority}
	if a.Role == "" {
		return res, fmt.Errorf("%w: no authorised editor role configured", ErrConfiguration)
	}
	if editorRole == "" {
		return res, fmt.Errorf("%w: editor role claim missing; set --editor-role or TEAMGATE_EDITOR_ROLE", ErrConfiguration)
	}
	res.Notes = append(res.Notes, fmt.Sprintf("editor role %q is a caller claim, not an attested identity", editorRole))

	for _, path := range changed {
		if !a.governs(path) {
			continue
		}
		if editorRole != a.Role {
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleEditAuthority,
				Class:    ClassAuthority,
				Artifact: path,
				Expected: a.Role,
				Observed: editorRole,
				Message:  "executable asset edited by unauthorised role",
			})
			return res, nil
		}
		content, err := read(path)
		if err != nil {
			return res, fmt.Errorf("read %s: %w", path, err)
		}
		if !provenanceRE.Match(content) {
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleEditAuthority,
				Class:    ClassAuthority,
				Artifact: path,
				Expected: "decision_id=DEC-NNNN or change_request_id=CR-<TEAM>-NNNN",
				Observed: "no provenance reference",
				Message:  "executable asset edit lacks a provenance reference",
			})
		}
	}
	return res, nil
}

// Classify reports whether a path is a governed executable asset.
func (a Authority) governs(path string) bool {
	path = filepath.ToSlash(path)
	for _, dir := range a.ExemptDirs {
		if underDir(path, dir) {
			return false
		}
	}
	protected := false
	for _, dir := range a.ProtectedDirs {
		if underDir(path, dir) {
			protected = true
			break
		}
	}
	if !protected {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range a.AssetExtensions {
		if ext == want {
			return true
		}
	}
	return false
}

func underDir(path, dir string) bool {
	dir = strings.TrimSuffix(filepath.ToSlash(dir), "/")
	return path == dir || strings.HasPrefix(path, dir+"/")
}
