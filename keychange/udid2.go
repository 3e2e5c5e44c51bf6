package keychange

import "regexp"

// udid2Pattern matches the canonical "nickname (comment) firstName
// LastName-YYYY-MM-DD" shape used historically by the system this spec is
// modeled on (GLOSSARY: "validity is a pure function on the userid text").
var udid2Pattern = regexp.MustCompile(`^[^()]+\([^()]*\)[^-]+-\d{4}-\d{2}-\d{2}$`)

// IsValidUDID2 reports whether userid matches the udid2 format.
func IsValidUDID2(userid string) bool {
	return udid2Pattern.MatchString(userid)
}
