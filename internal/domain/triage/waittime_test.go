package triage

import (
	"errors"
	"testing"
)

func TestEstimateWait(t *testing.T) {
	want := map[Priority]int{PriorityCritical: 0, PriorityHigh: 15, PriorityMedium: 30, PriorityLow: 60}
	for p, minutes := range want {
		for i := 0; i < 2; i++ {
			got, err := EstimateWait(p)
			if err != nil || got != minutes {
				t.Errorf("%s: got %d, %v; want %d", p, got, err, minutes)
			}
		}
	}
}

func TestEstimateWait_Unknown(t *testing.T) {
	for _, p := range []Priority{"", "urgent", "CRITICAL"} {
		if _, err := EstimateWait(p); !errors.Is(err, ErrUnknownPriority) {
			t.Errorf("%q: expected ErrUnknownPriority, got %v", p, err)
		}
	}
}
