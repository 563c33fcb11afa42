package trunk

import "testing"

func TestFormatNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+7 777 123 45 67", "77771234567"},
		{"7771234567", "77771234567"},
		{"87771234567", "77771234567"},
		{"77771234567", "77771234567"},
		{"+7 (777) 123-45-67", "77771234567"},
		{"112", "112"},
	}
	for _, c := range cases {
		if got := FormatNumber(c.in); got != c.want {
			t.Errorf("FormatNumber(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
