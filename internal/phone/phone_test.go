package phone

import "testing"

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"+19378962713", "+19378962713"},
		{"19378962713", "+19378962713"},
		{"(937) 896-2713", "+9378962713"},
		{"  +1 937 896 2713 ", "+19378962713"},
		{"", ""},
		{"abc", ""},
	}
	for _, tc := range cases {
		if got := NormalizeE164(tc.in); got != tc.want {
			t.Errorf("NormalizeE164(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMask(t *testing.T) {
	if got := Mask("+19378962713"); got != "+19****13" {
		t.Errorf("Mask = %q", got)
	}
	if got := Mask("123"); got != "***" {
		t.Errorf("short Mask = %q", got)
	}
}
