package keychange

import "testing"

func TestIsValidUDID2(t *testing.T) {
	cases := []struct {
		userid string
		want   bool
	}{
		{"nickname (comment) John Doe-2020-01-15", true},
		{"nickname () John Doe-2020-01-15", true},
		{"no parens at all-2020-01-15", false},
		{"nickname (comment) missing date", false},
		{"nickname (comment) John Doe-2020-1-15", false},
	}
	for _, c := range cases {
		if got := IsValidUDID2(c.userid); got != c.want {
			t.Errorf("IsValidUDID2(%q) = %v, want %v", c.userid, got, c.want)
		}
	}
}
