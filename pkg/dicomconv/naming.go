package dicomconv

import (
	"fmt"
	"strings"
)

// assignNames maps every series UID to a unique file stem of the form
// <series number>_<description>. Series without either fall back to
// their UID. A taken stem gets the lowest free _N suffix, checked against
// every name assigned so far so that a suffixed name never matches another
// series' plain stem.
func assignNames(groups []*series) map[string]string {
	names := make(map[string]string, len(groups))
	taken := make(map[string]bool, len(groups))
	for _, s := range groups {
		stem := seriesStem(s)
		name := stem
		for n := 1; taken[name]; n++ {
			name = fmt.Sprintf("%s_%d", stem, n)
		}
		taken[name] = true
		names[s.uid] = name
	}
	return names
}

func seriesStem(s *series) string {
	first := s.slices[0]
	parts := make([]string, 0, 2)
	if n := sanitize(first.seriesNumber); n != "" {
		parts = append(parts, n)
	}
	if d := sanitize(first.description); d != "" {
		parts = append(parts, d)
	}
	if len(parts) == 0 {
		return sanitize(s.uid)
	}
	return strings.Join(parts, "_")
}

// sanitize lowercases s and collapses every run of characters outside
// [a-z0-9] into one underscore.
func sanitize(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
