package asid

import "errors"

// ErrBadAsid is returned by FromUser when the caller-supplied wire struct
// claims a size this package cannot safely interpret.
var ErrBadAsid = errors.New("asid: bad asid")
