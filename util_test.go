package threadsafe

import (
	"testing"
)

func TestNextPowOf2(t *testing.T) {
	cases := []struct{ in, want int }{
		{-1, 1},
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{16, 16},
		{17, 32},
		{1000, 1024},
	}
	for _, c := range cases {
		if got := nextPowOf2(c.in); got != c.want {
			t.Errorf("nextPowOf2(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestCalcTableLen(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, minTableLen},
		{minTableLen / 2, minTableLen},
		{minTableLen/2 + 1, 32},
		{100, 256},
		{1000, 2048},
	}
	for _, c := range cases {
		got := calcTableLen(c.in)
		if got != c.want {
			t.Errorf("calcTableLen(%d) = %d, want %d", c.in, got, c.want)
		}
		if got&(got-1) != 0 {
			t.Errorf("calcTableLen(%d) = %d is not a power of 2", c.in, got)
		}
		if int64(c.in) > int64(float64(got)*loadFactor) {
			t.Errorf("calcTableLen(%d) = %d cannot hold the entries", c.in, got)
		}
	}
}

func TestDelay(t *testing.T) {
	var spins int
	for range 100 {
		delay(&spins)
	}
	if spins < 0 {
		t.Fatalf("spins = %d", spins)
	}
}
