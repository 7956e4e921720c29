// Package asid implements the address-space identifier used to
// disambiguate concurrently-traced virtual address spaces.
//
// An Asid is the pair (cr3, vmcs) that Intel PT sideband records use to
// tag which address space an instruction-pointer flow belongs to. Either
// field may be "unset" (the sentinel), in which case it acts as a
// wildcard when matched against another Asid.
package asid

import "fmt"

// None is the sentinel value meaning "no concrete value supplied". It is
// the zero value deliberately: a zero-value Asid is fully wildcarded,
// which matches everything — the same convention the teacher repo uses
// for its zero-value config structs being "unset, apply defaults".
const None uint64 = 0

// maxUserSize bounds how large a future, unknown Asid wire struct may
// claim to be before FromUser rejects it as malformed. The current wire
// shape is 24 bytes (size + cr3 + vmcs, each 8 bytes); anything wildly
// larger than a handful of future extension fields is almost certainly
// a caller bug, not a newer protocol version.
const maxUserSize = 256

// Asid identifies one traced virtual address space.
type Asid struct {
	CR3  uint64
	VMCS uint64
}

// User is the wire shape of a caller-supplied Asid, matching spec.md §6.
// Size lets a caller version the struct; FromUser rejects a Size above
// maxUserSize and otherwise reads only CR3 and VMCS, whatever Size says.
type User struct {
	Size uint64
	CR3  uint64
	VMCS uint64
}

// FromUser builds an Asid from an optional caller-supplied User value.
// A nil input yields a fully-wildcarded Asid (both fields set to None).
// A non-nil input is rejected with ErrBadAsid if it claims an
// implausibly large Size, which would indicate a struct revision this
// package does not understand.
func FromUser(u *User) (Asid, error) {
	if u == nil {
		return Asid{CR3: None, VMCS: None}, nil
	}
	if u.Size > maxUserSize {
		return Asid{}, fmt.Errorf("asid: from user: %w (size %d)", ErrBadAsid, u.Size)
	}

	a := Asid{CR3: None, VMCS: None}
	if u.CR3 != 0 {
		a.CR3 = u.CR3
	}
	if u.VMCS != 0 {
		a.VMCS = u.VMCS
	}
	return a, nil
}

// Matches reports whether a and b identify the same address space.
// For each field, either side being the sentinel counts as a wildcard
// match; otherwise the concrete values must be equal. This means an
// Asid populated entirely with wildcards (e.g. the zero value) matches
// every concrete query — the convention Image relies on to let
// wildcard-mapped sections answer reads from any address space.
func Matches(a, b Asid) bool {
	return fieldMatches(a.CR3, b.CR3) && fieldMatches(a.VMCS, b.VMCS)
}

func fieldMatches(x, y uint64) bool {
	return x == None || y == None || x == y
}

// String renders a for logging, e.g. in slog.Any("asid", a) call sites.
func (a Asid) String() string {
	return fmt.Sprintf("{cr3:%#x vmcs:%#x}", a.CR3, a.VMCS)
}
