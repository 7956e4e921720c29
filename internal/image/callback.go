package image

import "github.com/tracedmem/ptimage/internal/asid"

// ReadFunc is the fallback "read memory" callback an Image consults
// when no section covers a requested address — the bridge to whatever
// external source (a live process, a core dump, a remote agent) the
// caller has for addresses outside any loaded module. A negative-style
// failure is represented the idiomatic Go way: a non-nil error, treated
// by Read as fatal to that one request rather than a cue to try
// anything else.
type ReadFunc func(buf []byte, length int, a asid.Asid, addr uint64, ctx any) (int, error)
