package cairn

import "testing"

func TestSlugify(t *testing.T) {
	cases := []struct {
		title    string
		expected string
	}{
		{"My Post!", "my-post"},
		{"Hello, World", "hello-world"},
		{"already-a-slug", "already-a-slug"},
		{"MIXED Case Title", "mixed-case-title"},
		{"  lots   of   spaces  ", "lots-of-spaces"},
		{"trailing punctuation...", "trailing-punctuation"},
		{"100% Complete", "100-complete"},
		{"", "untitled"},
		{"   ", "untitled"},
		{"!!!", "untitled"},
	}

	for _, tc := range cases {
		got := Slugify(tc.title)
		if got != tc.expected {
			t.Errorf("Slugify(%q) = %q, expected %q", tc.title, got, tc.expected)
		}
	}
}
