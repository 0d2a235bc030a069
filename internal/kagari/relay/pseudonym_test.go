package relay

import "testing"

func TestUserLabel(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "User A"},
		{2, "User B"},
		{26, "User Z"},
		{27, "User AA"},
		{28, "User AB"},
		{52, "User AZ"},
		{53, "User BA"},
		{702, "User ZZ"},
		{703, "User AAA"},
	}
	for _, tt := range tests {
		if got := UserLabel(tt.n); got != tt.want {
			t.Errorf("UserLabel(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestDMLabel(t *testing.T) {
	if got := DMLabel(1); got != "DM-A" {
		t.Errorf("DMLabel(1) = %q, want %q", got, "DM-A")
	}
	if got := DMLabel(27); got != "DM-AA" {
		t.Errorf("DMLabel(27) = %q, want %q", got, "DM-AA")
	}
}
