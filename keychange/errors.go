package keychange

import "errors"

// ErrBadKeychange covers every structural or cross-field failure in a
// keychange that is not itself a crypto failure (spec.md §4.3).
var ErrBadKeychange = errors.New("keychange: invalid keychange")

// ErrNotImplementedKeychange is returned for LEAVER and BACK keychanges.
// Both kinds exist in the data model so the type switch in Validate stays
// exhaustive, but no ruleset has been specified for them yet (spec.md §7,
// §9).
var ErrNotImplementedKeychange = errors.New("keychange: kind not implemented")
