package capacity

import "testing"

func TestReservedBrackets(t *testing.T) {
	cases := []struct {
		cpus int
		want int
	}{
		{1, 1},
		{4, 1},
		{5, 2},
		{12, 2},
		{13, 4},
		{32, 4},
	}

	for _, c := range cases {
		if got := Reserved(c.cpus); got != c.want {
			t.Errorf("Reserved(%d) = %d, want %d", c.cpus, got, c.want)
		}
	}
}

func TestReservedNeverNegativeOrOverCount(t *testing.T) {
	if got := Reserved(2); got != 1 {
		t.Errorf("Reserved(2) = %d, want clamped to 1", got)
	}
}

func TestCapacity(t *testing.T) {
	cases := []struct {
		cpus    int
		perCore float64
		want    int
	}{
		{8, 2.0, 14}, // floor(2.0*8)=16, - 2 reserved = 14
		{4, 1.0, 3},  // floor(1.0*4)=4, - 1 reserved = 3
		{1, 1.0, 0},  // floor(1.0*1)=1, - 1 reserved = 0, clamped
		{16, 0, 12},  // perCoreFactor <= 0 treated as 1; floor(16)-4 reserved
	}

	for _, c := range cases {
		if got := Capacity(c.cpus, c.perCore); got != c.want {
			t.Errorf("Capacity(%d, %v) = %d, want %d", c.cpus, c.perCore, got, c.want)
		}
	}
}

// TestCapacityBoundaryMatrix exercises the §8 float boundary table:
// per_core_factor in {0.5, 1.0, 2.0} against representative core counts.
func TestCapacityBoundaryMatrix(t *testing.T) {
	cases := []struct {
		cpus    int
		perCore float64
		want    int
	}{
		{8, 0.5, 2},   // floor(0.5*8)=4, - 2 reserved = 2
		{8, 1.0, 6},   // floor(1.0*8)=8, - 2 reserved = 6
		{8, 2.0, 14},  // floor(2.0*8)=16, - 2 reserved = 14
		{2, 0.5, 0},   // floor(0.5*2)=1, - 1 reserved = 0, clamped
		{32, 0.5, 12}, // floor(0.5*32)=16, - 4 reserved = 12
		{32, 2.0, 60}, // floor(2.0*32)=64, - 4 reserved = 60
	}

	for _, c := range cases {
		if got := Capacity(c.cpus, c.perCore); got != c.want {
			t.Errorf("Capacity(%d, %v) = %d, want %d", c.cpus, c.perCore, got, c.want)
		}
	}
}
