// Package image implements the traced-memory-image container: an
// ordered sequence of mapped sections over one or more address spaces,
// with overlap-resolving insertion, several removal keys, and a
// demand-mapping read path with LRU promotion and capacity-bounded
// residency.
//
// An Image is not safe for concurrent mutation — callers serialize
// Add/Remove/Read/Copy on a given Image, the same way the teacher's
// in-process caches assume a single owning goroutine per instance and
// push concurrency control to whatever wraps them.
package image

import (
	"container/list"

	"github.com/tracedmem/ptimage/internal/asid"
	"github.com/tracedmem/ptimage/internal/section"
)

// defaultCapacity is the soft residency bound a freshly-allocated Image
// starts with.
const defaultCapacity = 10

// cloneSection is a seam over section.Clone so tests can inject a
// clone failure to exercise Add's rollback path without needing a real
// I/O error.
var cloneSection = section.Clone

// entry is one node of an Image's ordered sequence: a binding plus this
// image's own claim on whether it currently holds a mapping. Only the
// image mutates entry.mapped; Section tracks the real, possibly shared,
// map state independently.
type entry struct {
	msec   *MappedSection
	mapped bool
}

// Observer receives telemetry notifications about an Image's cache
// behavior. It is entirely optional instrumentation: Image never
// changes its own behavior based on an Observer's presence or return
// values, and a nil Observer (the default) disables all calls below.
type Observer interface {
	// OnReadHit fires when Read is answered by a section, hot or cold,
	// or by the fallback callback (then with promoted false).
	OnReadHit(promoted bool)
	// OnReadMiss fires when no section answered Read and either no
	// callback is installed or the callback returned an error.
	OnReadMiss()
	// OnDemandMap fires when the cold scan maps a previously-unmapped
	// section to attempt a read.
	OnDemandMap()
	// OnPrune fires after a pruning pass, reporting the resulting
	// residency/capacity and the first unmap error encountered, if any.
	OnPrune(resident, capacity int, err error)
	// OnUnmapFailure fires when an Unmap call made by Read's cold scan
	// returns a non-nil error. Prune failures report through OnPrune;
	// Unmap errors inside Add, the Remove methods, and Close are
	// discarded and not reported here.
	OnUnmapFailure(filename string, vaddr uint64, err error)
}

// Image is the container described in the package doc.
type Image struct {
	name     string
	entries  *list.List // of *entry, head = most recently used
	capacity int
	resident int
	cb       ReadFunc
	cbCtx    any
	obs      Observer
}

// New allocates an empty image with the default cache capacity (10).
func New(name string) *Image {
	return NewWithCapacity(name, defaultCapacity)
}

// NewWithCapacity allocates an empty image with an explicit cache
// capacity. A capacity of 0 disables caching entirely: every cold read
// maps, reads, and immediately unmaps again.
func NewWithCapacity(name string, capacity int) *Image {
	return &Image{name: name, entries: list.New(), capacity: capacity}
}

// Name returns the image's name.
func (img *Image) Name() string { return img.name }

// Capacity returns the image's current cache capacity C.
func (img *Image) Capacity() int { return img.capacity }

// Resident returns R, the number of entries currently holding a
// mapping this image counts toward its own residency.
func (img *Image) Resident() int { return img.resident }

// Len returns the total number of entries, mapped or not.
func (img *Image) Len() int { return img.entries.Len() }

// EntrySnapshot is a read-only view of one Image entry, returned by
// Entries for introspection (listing, stats reporting) without
// exposing the underlying list/entry types.
type EntrySnapshot struct {
	Filename string
	Begin    uint64
	End      uint64
	Asid     asid.Asid
	Mapped   bool
}

// Entries returns a snapshot of every entry, head to tail, as it stood
// at the time of the call. It does not itself promote or mutate
// anything.
func (img *Image) Entries() []EntrySnapshot {
	out := make([]EntrySnapshot, 0, img.entries.Len())
	for el := img.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		out = append(out, EntrySnapshot{
			Filename: e.msec.Filename(),
			Begin:    e.msec.Begin(),
			End:      e.msec.End(),
			Asid:     e.msec.Asid(),
			Mapped:   e.mapped,
		})
	}
	return out
}

// SetCallback installs (or, with a nil fn, clears) the fallback
// read-memory callback consulted when no section answers a Read.
func (img *Image) SetCallback(fn ReadFunc, ctx any) {
	img.cb = fn
	img.cbCtx = ctx
}

// SetObserver installs (or, with a nil obs, clears) the telemetry
// observer notified of read hits/misses, demand mapping, pruning, and
// unmap failures. See the Observer doc comment for the guarantee that
// this never changes Image's own behavior.
func (img *Image) SetObserver(obs Observer) {
	img.obs = obs
}

// Close tears the image down: every entry is unmapped (if mapped) and
// its section reference released. It is idempotent — calling Close
// again on an already-empty image is a no-op.
func (img *Image) Close() error {
	var firstErr error
	for el := img.entries.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.mapped {
			if err := e.msec.Section().Unmap(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := section.Put(e.msec.Section()); err != nil && firstErr == nil {
			firstErr = err
		}
		img.entries.Remove(el)
		el = next
	}
	img.resident = 0
	return firstErr
}

// Add inserts sec at (a, vaddr), resolving any overlap with existing
// entries whose asid matches a by cutting, splitting, or replacing them
// as needed. Add takes its own reference on sec via section.Get. Add is
// transactional in content: on any failure the image holds the same
// entries as before the call, no new ones added. Entries Add had
// already detached are appended back at the tail of the list, unmapped,
// so list order and residency can differ from before the call.
func (img *Image) Add(sec *section.Section, a asid.Asid, vaddr uint64) error {
	newMsec, err := newMappedSection(section.Get(sec), a, vaddr)
	if err != nil {
		_ = section.Put(sec)
		return err
	}

	pending := []*entry{{msec: newMsec, mapped: false}}
	var removed []*entry
	mutated := false

	rollback := func(err error) error {
		for _, p := range pending {
			_ = section.Put(p.msec.Section())
		}
		for _, e := range removed {
			img.entries.PushBack(e)
		}
		return err
	}

	vaddr0, end0 := newMsec.Begin(), newMsec.End()

	for el := img.entries.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)

		if !e.msec.MatchesAsid(a) {
			el = next
			continue
		}
		eBegin, eEnd := e.msec.Begin(), e.msec.End()
		if eEnd <= vaddr0 || end0 <= eBegin {
			el = next
			continue
		}

		if !mutated && eBegin == vaddr0 && eEnd == end0 && e.msec.Filename() == sec.Filename() {
			_ = section.Put(newMsec.Section())
			return nil
		}

		img.entries.Remove(el)
		if e.mapped {
			_ = e.msec.Section().Unmap()
			e.mapped = false
			img.resident--
		}
		removed = append(removed, e)
		mutated = true

		if eBegin < vaddr0 {
			leftSize := int64(vaddr0 - eBegin)
			leftSec, cerr := cloneSection(e.msec.Section(), e.msec.Section().Offset(), leftSize)
			if cerr != nil {
				return rollback(cerr)
			}
			leftMsec, merr := newMappedSection(leftSec, e.msec.Asid(), eBegin)
			if merr != nil {
				_ = section.Put(leftSec)
				return rollback(merr)
			}
			pending = append(pending, &entry{msec: leftMsec, mapped: false})
		}
		if end0 < eEnd {
			rightOffset := e.msec.Section().Offset() + int64(end0-eBegin)
			rightSize := int64(eEnd - end0)
			rightSec, cerr := cloneSection(e.msec.Section(), rightOffset, rightSize)
			if cerr != nil {
				return rollback(cerr)
			}
			rightMsec, merr := newMappedSection(rightSec, e.msec.Asid(), end0)
			if merr != nil {
				_ = section.Put(rightSec)
				return rollback(merr)
			}
			pending = append(pending, &entry{msec: rightMsec, mapped: false})
		}

		el = next
	}

	for _, e := range removed {
		_ = section.Put(e.msec.Section())
	}
	for _, p := range pending {
		img.entries.PushBack(p)
	}
	return nil
}

// AddFile is a convenience wrapper: it constructs a section over
// [fileOffset, fileOffset+size) of path, Adds it, and releases its own
// reference, leaving the image as the section's sole owner on success
// (or fully unwinding it on failure).
func (img *Image) AddFile(path string, fileOffset, size int64, a asid.Asid, vaddr uint64) error {
	sec, err := section.Make(path, fileOffset, size)
	if err != nil {
		return err
	}
	addErr := img.Add(sec, a, vaddr)
	_ = section.Put(sec)
	return addErr
}

// Remove deletes the first entry whose section is sec, whose vaddr is
// vaddr, and whose asid matches a. It fails with ErrBadImage if no such
// entry exists; at most one entry is ever removed.
func (img *Image) Remove(sec *section.Section, a asid.Asid, vaddr uint64) error {
	for el := img.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.msec.Section() != sec || e.msec.Vaddr() != vaddr || !e.msec.MatchesAsid(a) {
			continue
		}
		img.entries.Remove(el)
		if e.mapped {
			_ = e.msec.Section().Unmap()
			img.resident--
		}
		_ = section.Put(e.msec.Section())
		return nil
	}
	return ErrBadImage
}

// RemoveByFilename removes every entry whose asid matches a and whose
// section filename equals filename, returning the count removed.
func (img *Image) RemoveByFilename(filename string, a asid.Asid) (int, error) {
	removed := 0
	for el := img.entries.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.msec.MatchesAsid(a) && e.msec.Filename() == filename {
			img.entries.Remove(el)
			if e.mapped {
				_ = e.msec.Section().Unmap()
				img.resident--
			}
			_ = section.Put(e.msec.Section())
			removed++
		}
		el = next
	}
	return removed, nil
}

// RemoveByAsid removes every entry whose asid matches a, returning the
// count removed.
func (img *Image) RemoveByAsid(a asid.Asid) (int, error) {
	removed := 0
	for el := img.entries.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.msec.MatchesAsid(a) {
			img.entries.Remove(el)
			if e.mapped {
				_ = e.msec.Section().Unmap()
				img.resident--
			}
			_ = section.Put(e.msec.Section())
			removed++
		}
		el = next
	}
	return removed, nil
}

// Read resolves addr in address space a to a byte range: it first scans
// the mapped (hot) prefix of the entry list, promoting a hit to the
// head; failing that, it scans the unmapped (cold) suffix, demand-
// mapping and promoting whichever entry first answers; failing that, it
// falls back to the installed callback, if any.
func (img *Image) Read(buf []byte, length int, a asid.Asid, addr uint64) (int, error) {
	var coldStart *list.Element
	for el := img.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if !e.mapped {
			coldStart = el
			break
		}
		n, err := e.msec.ReadMapped(buf, length, a, addr)
		if err != nil {
			continue
		}
		promoted := el != img.entries.Front()
		if promoted {
			img.entries.MoveToFront(el)
		}
		if img.obs != nil {
			img.obs.OnReadHit(promoted)
		}
		return n, nil
	}

	for el := coldStart; el != nil; {
		next := el.Next()
		e := el.Value.(*entry)

		justMapped := false
		if !e.mapped {
			if err := e.msec.Section().Map(); err != nil {
				el = next
				continue
			}
			justMapped = true
			if img.obs != nil {
				img.obs.OnDemandMap()
			}
		}

		n, err := e.msec.ReadMapped(buf, length, a, addr)
		if err != nil {
			if justMapped {
				if uerr := e.msec.Section().Unmap(); uerr != nil && img.obs != nil {
					img.obs.OnUnmapFailure(e.msec.Filename(), e.msec.Vaddr(), uerr)
				}
			}
			el = next
			continue
		}

		img.entries.MoveToFront(el)
		if justMapped {
			if img.capacity == 0 {
				if uerr := e.msec.Section().Unmap(); uerr != nil && img.obs != nil {
					img.obs.OnUnmapFailure(e.msec.Filename(), e.msec.Vaddr(), uerr)
				}
			} else {
				e.mapped = true
				img.resident++
				if img.resident > img.capacity {
					_ = img.prune()
				}
			}
		}
		if img.obs != nil {
			img.obs.OnReadHit(true)
		}
		return n, nil
	}

	if img.cb != nil {
		n, err := img.cb(buf, length, a, addr, img.cbCtx)
		if err == nil && img.obs != nil {
			img.obs.OnReadHit(false)
		} else if err != nil && img.obs != nil {
			img.obs.OnReadMiss()
		}
		return n, err
	}
	if img.obs != nil {
		img.obs.OnReadMiss()
	}
	return 0, ErrNoMap
}

// prune walks the entries in list order, counting mapped ones, and
// unmaps every mapped entry beyond the capacity-th encountered. It is
// opportunistic: an unmap failure is remembered and returned, but
// pruning continues over the remaining entries, and residency (R) is
// still updated to the final count.
func (img *Image) prune() error {
	var firstErr error
	count := 0
	resident := 0
	for el := img.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if !e.mapped {
			continue
		}
		count++
		if count <= img.capacity {
			resident++
			continue
		}
		if err := e.msec.Section().Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.mapped = false
	}
	img.resident = resident
	if img.obs != nil {
		img.obs.OnPrune(img.resident, img.capacity, firstErr)
	}
	return firstErr
}

// Copy adds every entry of src to dst, in src's list order, using the
// same overlap-resolution Add applies to any other insertion. It never
// fails outright — additions that fail for any reason are simply
// counted and skipped — and returns that count.
func Copy(dst, src *Image) (int, error) {
	failed := 0
	for el := src.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if err := dst.Add(e.msec.Section(), e.msec.Asid(), e.msec.Vaddr()); err != nil {
			failed++
		}
	}
	return failed, nil
}
