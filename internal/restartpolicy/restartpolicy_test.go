package restartpolicy

import (
	"testing"
	"time"
)

func TestNextTargetWithinWindow(t *testing.T) {
	min := 24 * time.Hour
	max := 48 * time.Hour
	before := time.Now()

	target := NextTarget(min, max)

	if target.Before(before.Add(min)) {
		t.Errorf("target %v is before the minimum uptime window", target)
	}
	if target.After(before.Add(max)) {
		t.Errorf("target %v is after the maximum uptime window", target)
	}
}

func TestNextTargetCollapsedWindow(t *testing.T) {
	before := time.Now()
	target := NextTarget(time.Hour, time.Minute)

	if target.Before(before.Add(time.Hour)) {
		t.Errorf("collapsed window should still honor the minimum, got %v", target)
	}
}
