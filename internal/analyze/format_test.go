package analyze

import (
	"testing"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"12 GB", 12 * (1 << 30)},
		{"12.5GB", 12.5 * (1 << 30)},
		{"512 kB", 512 * 1024},
		{"3 MB", 3 * (1 << 20)},
		{"1 TB", 1 << 40},
		{"8192 bytes", 8192},
		{"  7 B ", 7},
		{"", 0},
		{"GB", 0},
		{"12 PB", 0},
		{"1.2.3 GB", 0},
		{"-5 GB", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseSize(tt.in); got != tt.want {
				t.Errorf("ParseSize(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0 B"},
		{512, "512.00 B"},
		{1536, "1.50 KB"},
		{1 << 30, "1.00 GB"},
		{3 * (1 << 40), "3.00 TB"},
		{5000 * (1 << 40), "5000.00 TB"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNameList(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"a"}, "a"},
		{[]string{"a", "b", "c"}, "a, b, c"},
		{[]string{"a", "b", "c", "d"}, "a, b, c and 1 more"},
	}

	for _, tt := range tests {
		if got := nameList(tt.names, 3); got != tt.want {
			t.Errorf("nameList(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}
