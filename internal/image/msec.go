package image

import (
	"github.com/tracedmem/ptimage/internal/asid"
	"github.com/tracedmem/ptimage/internal/section"
)

// MappedSection is an immutable binding of a Section to the (asid,
// vaddr) location at which its byte 0 appears. Once constructed, only
// the underlying section's own mapped-state changes; the binding itself
// never moves.
type MappedSection struct {
	section *section.Section
	asid    asid.Asid
	vaddr   uint64
	end     uint64 // vaddr + section.Size(), cached: section.Size() never changes
}

// newMappedSection binds sec at (a, vaddr). It takes no extra reference
// on sec — the caller (Image, via its entry) owns whatever reference
// sec already carries. Fails with ErrInvalid if vaddr+size overflows,
// which would otherwise violate the end > begin invariant.
func newMappedSection(sec *section.Section, a asid.Asid, vaddr uint64) (*MappedSection, error) {
	end := vaddr + uint64(sec.Size())
	if end <= vaddr {
		return nil, ErrInvalid
	}
	return &MappedSection{section: sec, asid: a, vaddr: vaddr, end: end}, nil
}

// Section returns the bound section.
func (m *MappedSection) Section() *section.Section { return m.section }

// Asid returns the address space this binding is visible in.
func (m *MappedSection) Asid() asid.Asid { return m.asid }

// Vaddr returns the virtual address of byte 0 of the bound section.
func (m *MappedSection) Vaddr() uint64 { return m.vaddr }

// Begin is an alias of Vaddr, read more naturally alongside End.
func (m *MappedSection) Begin() uint64 { return m.vaddr }

// End returns the exclusive upper bound of m's virtual address range.
func (m *MappedSection) End() uint64 { return m.end }

// Filename is a convenience accessor for the bound section's filename.
func (m *MappedSection) Filename() string { return m.section.Filename() }

// MatchesAsid reports whether a may observe m, under the sentinel-as-
// wildcard relation implemented by asid.Matches.
func (m *MappedSection) MatchesAsid(a asid.Asid) bool {
	return asid.Matches(m.asid, a)
}

// ReadMapped copies up to length bytes of m, visible to a at addr, into
// buf. It fails with ErrNoMap if a cannot observe m or addr falls
// outside [Begin, End); it propagates the underlying section's
// ErrNotMapped if the section isn't currently mapped.
func (m *MappedSection) ReadMapped(buf []byte, length int, a asid.Asid, addr uint64) (int, error) {
	if !m.MatchesAsid(a) {
		return 0, ErrNoMap
	}
	if addr < m.vaddr || addr >= m.end {
		return 0, ErrNoMap
	}

	available := m.end - addr
	n := length
	if uint64(n) > available {
		n = int(available)
	}

	fileOff := m.section.Offset() + int64(addr-m.vaddr)
	return m.section.ReadMapped(buf, n, fileOff)
}
