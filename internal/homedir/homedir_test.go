package homedir

import "testing"

func TestExpand(t *testing.T) {
	t.Setenv("HOME", "/home/u")
	cases := []struct{ in, want string }{
		{"~", "/home/u"},
		{"~/mail/.cms/", "/home/u/mail/.cms"},
		{"/abs/path", "/abs/path"},
		{"rel", "rel"},
		{"~other/x", "~other/x"},
	}
	for _, tc := range cases {
		if got := Expand(tc.in); got != tc.want {
			t.Errorf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
