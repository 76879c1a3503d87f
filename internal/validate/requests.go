package validate

import (
	"fmt"
	"regexp"
	"strings"

	"teamgate/internal/domain"
)

// RuleChangeRequests is the stable rule id for change-request hygiene.
const RuleChangeRequests = "change-requests"

// requestIDRE is the canonical id format: CR-<TEAM>-NNNN.
var requestIDRE = regexp.MustCompile(`^CR-([A-Z]+)-([0-9]{4})$`)

// legacyRequestIDRE is the retired CR-NNNN-TEAM format still present in old
// rows; the migrate command canonicalises it via superseding rows.
var legacyRequestIDRE = regexp.MustCompile(`^CR-([0-9]{4})-([A-Z]+)$`)

// CanonicalRequestID rewrites a legacy request id to the canonical format.
// Ids already canonical (or unrecognised) are returned unchanged.
func CanonicalRequestID(id string) string {
	m := legacyRequestIDRE.FindStringSubmatch(strings.TrimSpace(id))
	if m == nil {
		return id
	}
	return fmt.Sprintf("CR-%s-%s", m[2], m[1])
}

// ChangeRequests verifies id format, team scoping and uniqueness of the
// change request queue.
type ChangeRequests struct{}

func (ChangeRequests) Check(rows []domain.ChangeRequest) Result {
	res := Result{Rule: RuleChangeRequests}
	superseded := map[string]bool{}
	for _, cr := range rows {
		if cr.SupersedesRequestID != "" {
			superseded[cr.SupersedesRequestID] = true
		}
	}
	seen := map[string]bool{}
	for _, cr := range rows {
		m := requestIDRE.FindStringSubmatch(cr.RequestID)
		if m == nil {
			if superseded[cr.RequestID] {
				// Legacy row already corrected by a superseding row.
				continue
			}
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleChangeRequests,
				Class:    ClassIntegrity,
				Artifact: cr.RequestID,
				Expected: "CR-<TEAM>-NNNN",
				Observed: cr.RequestID,
				Message:  "request id does not match the team-scoped format",
			})
			continue
		}
		if team := strings.ToUpper(cr.SourceTeam); m[1] != team {
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleChangeRequests,
				Class:    ClassIntegrity,
				Artifact: cr.RequestID,
				Expected: team,
				Observed: m[1],
				Message:  "request id team code does not match source_team",
			})
			continue
		}
		if superseded[cr.RequestID] {
			continue
		}
		if seen[cr.RequestID] {
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleChangeRequests,
				Class:    ClassIntegrity,
				Artifact: cr.RequestID,
				Message:  "duplicate request id with no supersession lineage",
			})
			continue
		}
		seen[cr.RequestID] = true
	}
	return res
}
