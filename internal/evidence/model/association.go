package model

import "strings"

// RelatedTo reports whether evidence e belongs to the case numbered
// caseNumber. The declared metadata case number wins; otherwise the case
// number appearing anywhere in the evidence name or description counts
// (case-sensitive).
func (e *EvidenceRecord) RelatedTo(caseNumber string) bool {
	if caseNumber == "" {
		return false
	}
	if e.Metadata.CaseNumber() == caseNumber {
		return true
	}
	return strings.Contains(e.Metadata.Name(), caseNumber) ||
		strings.Contains(e.Metadata.Description(), caseNumber)
}

// RelatedEvidence filters records down to those related to caseNumber,
// keeping their order.
func RelatedEvidence(records []*EvidenceRecord, caseNumber string) []*EvidenceRecord {
	out := make([]*EvidenceRecord, 0)
	for _, r := range records {
		if r.RelatedTo(caseNumber) {
			out = append(out, r)
		}
	}
	return out
}
