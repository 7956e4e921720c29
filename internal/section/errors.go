package section

import "errors"

// ErrInvalid flags malformed input: a zero size, an out-of-range clone
// range, or similar caller mistakes.
var ErrInvalid = errors.New("section: invalid argument")

// ErrNotMapped is returned by ReadMapped when the section's backing file
// window is not currently mapped. Inside Image this surfaces as a sign
// that something unmapped the section out from under a caller that
// believed it was still resident — a bug, not a normal miss.
var ErrNotMapped = errors.New("section: not mapped")

// ErrNoMem wraps a failure to establish the mapped window once the
// backing file is open: the mmap(2) call, or on the portable fallback the
// read of the range. A failure to open the file itself is returned
// without ErrNoMem.
var ErrNoMem = errors.New("section: no memory")
