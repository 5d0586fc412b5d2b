package triage

import "fmt"

var waitMinutes = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     15,
	PriorityMedium:   30,
	PriorityLow:      60,
}

// EstimateWait maps a priority to minutes. An unknown priority means an
// upstream component broke the enum and is reported, never defaulted.
func EstimateWait(p Priority) (int, error) {
	m, ok := waitMinutes[p]
	if !ok {
		return 0, fmt.Errorf("estimate wait: %w: %q", ErrUnknownPriority, p)
	}
	return m, nil
}
