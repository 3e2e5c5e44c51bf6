package keychange

// Kind is the closed set of keychange variants (spec.md §3). Modeling it
// as an enumeration switched on exhaustively (see Validate) turns the
// "LEAVER/BACK not implemented" rule into a compile-time reminder: adding
// a new Kind without a matching case is a vet-catchable omission, not a
// silent fallthrough.
type Kind string

const (
	Newcomer Kind = "N"
	Update   Kind = "U"
	Leaver   Kind = "L"
	Back     Kind = "B"
)

func (k Kind) String() string { return string(k) }
