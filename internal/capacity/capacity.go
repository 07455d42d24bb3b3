// Package capacity computes how many game server instances a host can run
// based on its CPU topology, following the same bracketed core-reservation
// scheme used by the manager's own affinity pinning.
package capacity

import "math"

// Reserved returns the number of cores held back for the OS, manager
// process, and CowMaster fork parent, given the host's logical core count.
//
// Brackets: small hosts (<=4 cores) keep one core free, mid-size hosts
// (5-12) keep two, and large hosts (>12) keep four. The result never goes
// negative.
func Reserved(cpuCount int) int {
	var reserved int
	switch {
	case cpuCount <= 4:
		reserved = 1
	case cpuCount <= 12:
		reserved = 2
	default:
		reserved = 4
	}
	if reserved > cpuCount {
		return 0
	}
	return reserved
}

// Capacity returns the number of game server instances the host can run,
// given its logical core count and the configured servers-per-core factor.
// perCoreFactor is the svr_total_per_core config value: a multiplier on
// cpuCount (e.g. 0.5 = one server per two cores, 2.0 = two servers per
// core), not a divisor; a value <= 0 is treated as 1.
func Capacity(cpuCount int, perCoreFactor float64) int {
	if perCoreFactor <= 0 {
		perCoreFactor = 1
	}
	allowed := int(math.Floor(perCoreFactor*float64(cpuCount))) - Reserved(cpuCount)
	if allowed < 0 {
		return 0
	}
	return allowed
}
