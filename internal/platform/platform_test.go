package platform

import "testing"

func TestAlignDown(t *testing.T) {
	p := PageSize()
	cases := []struct{ in, want uintptr }{
		{0, 0},
		{1, 0},
		{p, p},
		{p + 1, p},
		{p*3 + 17, p * 3},
	}
	for _, c := range cases {
		if got := AlignDown(c.in); got != c.want {
			t.Errorf("AlignDown(%#x) = %#x, want %#x", c.in, got, c.want)
		}
	}
}

func TestAlignUp(t *testing.T) {
	p := PageSize()
	cases := []struct{ in, want uintptr }{
		{0, 0},
		{1, p},
		{p, p},
		{p + 1, p * 2},
	}
	for _, c := range cases {
		if got := AlignUp(c.in); got != c.want {
			t.Errorf("AlignUp(%#x) = %#x, want %#x", c.in, got, c.want)
		}
	}
}

func TestUnlockOnInvalidAddressReportsError(t *testing.T) {
	// Address 0 is never a valid mapped page; mprotect on it must fail,
	// and TextUnlock must surface that without panicking.
	u := Unlock(0, PageSize())
	if u.Err() == nil {
		t.Fatalf("expected mprotect failure on null page")
	}
	u.Close() // must not panic even though unlock failed
}
