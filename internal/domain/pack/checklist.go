package pack

import (
	"regexp"
	"strings"
)

// checklistRe captures the task ID from a markdown checklist line, e.g.
// "- [ ] T1: add handler" or "* [x] fix-tests".
var checklistRe = regexp.MustCompile(`^[-*]\s+\[[ xX]\]\s+([A-Za-z][A-Za-z0-9_-]{0,31})(?:\b|:)`)

// ChecklistIDs parses an implementation-plan markdown document and returns
// the task IDs of its checklist items in document order. Duplicates are
// collapsed to their first occurrence.
func ChecklistIDs(md string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(md, "\n") {
		m := checklistRe.FindStringSubmatch(strings.TrimLeft(line, " \t"))
		if m == nil {
			continue
		}
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}

// ChecklistIDSet returns the checklist IDs of md as a membership set.
func ChecklistIDSet(md string) map[string]bool {
	set := make(map[string]bool)
	for _, id := range ChecklistIDs(md) {
		set[id] = true
	}
	return set
}
