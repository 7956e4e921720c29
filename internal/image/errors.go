package image

import "errors"

// ErrInternal flags a precondition violation caught defensively — a nil
// handle where the caller contractually owed a non-nil one. It indicates
// a bug in the caller or in this package, never malformed external
// input.
var ErrInternal = errors.New("image: internal error")

// ErrInvalid flags malformed caller input: a zero-length mapping, a
// vaddr that overflows past the address space, or similar.
var ErrInvalid = errors.New("image: invalid argument")

// ErrNoMem is the allocation-failure code of this package's error set.
// No Image method returns it: Add returns whatever error section
// construction reports, and a failed demand map in Read (section.ErrNoMem)
// only makes Read move on to the next entry.
var ErrNoMem = errors.New("image: no memory")

// ErrNoMap is returned by Read when no entry's address range covers the
// requested address and no callback is installed. When a callback is
// installed, its own error is returned unchanged instead. Not fatal to a
// caller decoding a trace — it just means this byte isn't known.
var ErrNoMap = errors.New("image: no mapping for address")

// ErrBadImage is returned by Remove when no entry matches the given
// (section, asid, vaddr) triple.
var ErrBadImage = errors.New("image: no matching entry")

// ErrEos mirrors the end-of-stream condition a caller iterating image
// entries externally (e.g. for a listing command) may need to signal;
// Image itself never returns it internally.
var ErrEos = errors.New("image: end of stream")
