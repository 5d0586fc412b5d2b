package triage

import "strings"

// Match picks the on-duty clinician of the requested specialty with the
// fewest current patients. Ties go to whoever appears first in the roster.
// This is a greedy per-request choice, not a global assignment.
//
// No candidate is not an error: it returns nil, nil and the case stays
// unassigned. A malformed roster entry is, and yields ErrInvalidRoster.
func Match(specialty string, roster []ClinicianRosterEntry) (*ClinicianRosterEntry, error) {
	want := strings.ToLower(strings.TrimSpace(specialty))
	var best *ClinicianRosterEntry
	for i := range roster {
		c := &roster[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if !c.OnDuty || strings.ToLower(strings.TrimSpace(c.Specialty)) != want {
			continue
		}
		if best == nil || c.CurrentPatients < best.CurrentPatients {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	chosen := *best
	return &chosen, nil
}
