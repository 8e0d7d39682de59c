package match

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		s, p string
		want bool
	}{
		{"/", "/anything/here", true},
		{"/tele/speed", "/tele/speed", true},
		{"/tele/speed", "/tele/speedy", false},
		{"/tele/", "/tele/speed", true},
		{"/tele/", "/tele", true},
		{"/tele/", "/telemetry", false},
		{"/tele/", "/teleport/x", false},
	}
	for _, c := range cases {
		if got := Matches(c.s, c.p); got != c.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", c.s, c.p, got, c.want)
		}
	}
}

func TestIsPrefix(t *testing.T) {
	if !IsPrefix("/tele/") {
		t.Error("expected trailing-slash URL to be a prefix")
	}
	if IsPrefix("/tele") {
		t.Error("expected non-trailing-slash URL to not be a prefix")
	}
}
