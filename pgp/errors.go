package pgp

import "errors"

// ErrBadCrypto is returned for any malformed key, signature, or certification
// input. Per spec.md §4.1, a BadCrypto failure aborts validation of the
// containing keychange; there is no partial acceptance, so callers must not
// apply any state after receiving it.
var ErrBadCrypto = errors.New("pgp: bad crypto material")
