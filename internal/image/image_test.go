package image

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tracedmem/ptimage/internal/asid"
	"github.com/tracedmem/ptimage/internal/section"
)

func writeTempFile(t *testing.T, name string, contents []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// entriesSnapshot returns the current (begin, end, file offset) triple
// for every entry, head to tail, for assertions on list order.
func (img *Image) entriesSnapshot() [][3]uint64 {
	var out [][3]uint64
	for el := img.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		out = append(out, [3]uint64{e.msec.Begin(), e.msec.End(), uint64(e.msec.Section().Offset())})
	}
	return out
}

func TestAddOverlapSplit(t *testing.T) {
	pathA := writeTempFile(t, "a.bin", make([]byte, 0x1000))
	pathB := writeTempFile(t, "b.bin", make([]byte, 0x100))
	asid0 := asid.Asid{CR3: 1}

	img := New("test")
	defer img.Close()

	if err := img.AddFile(pathA, 0, 0x1000, asid0, 0x10000); err != nil {
		t.Fatalf("AddFile(a): %v", err)
	}
	if err := img.AddFile(pathB, 0, 0x100, asid0, 0x10400); err != nil {
		t.Fatalf("AddFile(b): %v", err)
	}

	if img.Len() != 3 {
		t.Fatalf("Len = %d, want 3", img.Len())
	}

	// The resulting list order is unspecified (it depends on scan order
	// during overlap resolution); only the resulting set of ranges is
	// contractual.
	want := map[[2]uint64]bool{
		{0x10000, 0x10400}: false,
		{0x10400, 0x10500}: false,
		{0x10500, 0x11000}: false,
	}
	for el := img.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		key := [2]uint64{e.msec.Begin(), e.msec.End()}
		if _, ok := want[key]; !ok {
			t.Fatalf("unexpected entry range [%#x,%#x)", key[0], key[1])
		}
		want[key] = true
	}
	for k, seen := range want {
		if !seen {
			t.Fatalf("missing expected entry range [%#x,%#x)", k[0], k[1])
		}
	}
}

func TestAddIdenticalOverlapDedup(t *testing.T) {
	pathA := writeTempFile(t, "a.bin", make([]byte, 0x100))
	asid0 := asid.Asid{CR3: 1}

	img := New("test")
	defer img.Close()

	if err := img.AddFile(pathA, 0, 0x100, asid0, 0); err != nil {
		t.Fatalf("AddFile (1st): %v", err)
	}
	if err := img.AddFile(pathA, 0, 0x100, asid0, 0); err != nil {
		t.Fatalf("AddFile (2nd): %v", err)
	}

	if img.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (dedup)", img.Len())
	}
}

func TestAddAsidIsolation(t *testing.T) {
	pathA := writeTempFile(t, "a.bin", []byte("AAAAAAAAAAAAAAAA"))
	pathB := writeTempFile(t, "b.bin", []byte("BBBBBBBBBBBBBBBB"))
	asid0 := asid.Asid{CR3: 1}
	asid1 := asid.Asid{CR3: 2}

	img := New("test")
	defer img.Close()

	if err := img.AddFile(pathA, 0, 0x10, asid0, 0); err != nil {
		t.Fatalf("AddFile(a): %v", err)
	}
	if err := img.AddFile(pathB, 0, 0x10, asid1, 0); err != nil {
		t.Fatalf("AddFile(b): %v", err)
	}
	if img.Len() != 2 {
		t.Fatalf("Len = %d, want 2", img.Len())
	}

	buf := make([]byte, 4)
	n, err := img.Read(buf, 4, asid0, 0)
	if err != nil || n != 4 || string(buf) != "AAAA" {
		t.Fatalf("Read(asid0) = (%q, %d, %v), want (AAAA, 4, nil)", buf, n, err)
	}
	n, err = img.Read(buf, 4, asid1, 0)
	if err != nil || n != 4 || string(buf) != "BBBB" {
		t.Fatalf("Read(asid1) = (%q, %d, %v), want (BBBB, 4, nil)", buf, n, err)
	}
}

func TestReadLRUPromotionAndPrune(t *testing.T) {
	path0 := writeTempFile(t, "s0.bin", make([]byte, 16))
	path1 := writeTempFile(t, "s1.bin", make([]byte, 16))
	path2 := writeTempFile(t, "s2.bin", make([]byte, 16))
	asidAny := asid.Asid{}

	img := NewWithCapacity("test", 2)
	defer img.Close()

	if err := img.AddFile(path0, 0, 16, asidAny, 0x1000); err != nil {
		t.Fatalf("AddFile(s0): %v", err)
	}
	if err := img.AddFile(path1, 0, 16, asidAny, 0x2000); err != nil {
		t.Fatalf("AddFile(s1): %v", err)
	}
	if err := img.AddFile(path2, 0, 16, asidAny, 0x3000); err != nil {
		t.Fatalf("AddFile(s2): %v", err)
	}

	buf := make([]byte, 4)
	if _, err := img.Read(buf, 4, asidAny, 0x1000); err != nil {
		t.Fatalf("Read(s0): %v", err)
	}
	if _, err := img.Read(buf, 4, asidAny, 0x2000); err != nil {
		t.Fatalf("Read(s1): %v", err)
	}
	if _, err := img.Read(buf, 4, asidAny, 0x3000); err != nil {
		t.Fatalf("Read(s2): %v", err)
	}

	if img.Resident() != 2 {
		t.Fatalf("Resident = %d, want 2", img.Resident())
	}

	front := img.entries.Front().Value.(*entry)
	if front.msec.Begin() != 0x3000 {
		t.Fatalf("head entry begin = %#x, want 0x3000 (s2 most recently read)", front.msec.Begin())
	}

	for el := img.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.msec.Begin() == 0x1000 && e.mapped {
			t.Fatalf("s0 still mapped after pruning, want unmapped (oldest residency)")
		}
	}
}

func TestReadCallbackFallback(t *testing.T) {
	img := New("test")
	defer img.Close()

	img.SetCallback(func(buf []byte, length int, a asid.Asid, addr uint64, ctx any) (int, error) {
		buf[0] = 0xAB
		return 1, nil
	}, nil)

	buf := make([]byte, 4)
	n, err := img.Read(buf, 4, asid.Asid{}, 0x1234)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 1 || buf[0] != 0xAB {
		t.Fatalf("Read = (%d, %#x), want (1, 0xab)", n, buf[0])
	}
}

func TestReadNoMapWithoutCallback(t *testing.T) {
	img := New("test")
	defer img.Close()

	buf := make([]byte, 4)
	if _, err := img.Read(buf, 4, asid.Asid{}, 0x1234); !errors.Is(err, ErrNoMap) {
		t.Fatalf("Read with no entries/callback: err = %v, want ErrNoMap", err)
	}
}

func TestAddRollbackOnCloneFailure(t *testing.T) {
	path := writeTempFile(t, "a.bin", make([]byte, 0x1000))
	asid0 := asid.Asid{CR3: 1}

	img := New("test")
	defer img.Close()

	if err := img.AddFile(path, 0, 0x1000, asid0, 0x1000); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if img.Len() != 1 {
		t.Fatalf("Len = %d, want 1 before failing Add", img.Len())
	}

	original := cloneSection
	defer func() { cloneSection = original }()
	calls := 0
	injected := errors.New("injected clone failure")
	cloneSection = func(parent *section.Section, newOffset, newSize int64) (*section.Section, error) {
		calls++
		if calls == 2 {
			return nil, injected
		}
		return original(parent, newOffset, newSize)
	}

	sec, err := section.Make(path, 0, 0x400)
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	addErr := img.Add(sec, asid0, 0x1400)
	_ = section.Put(sec)

	if !errors.Is(addErr, injected) {
		t.Fatalf("Add with injected clone failure: err = %v, want %v", addErr, injected)
	}
	if img.Len() != 1 {
		t.Fatalf("Len after rolled-back Add = %d, want 1 (unchanged)", img.Len())
	}
	front := img.entries.Front().Value.(*entry)
	if front.msec.Begin() != 0x1000 || front.msec.End() != 0x2000 {
		t.Fatalf("surviving entry = [%#x,%#x), want [0x1000,0x2000) (original, untouched)", front.msec.Begin(), front.msec.End())
	}
}

func TestRemoveRoundTrip(t *testing.T) {
	path := writeTempFile(t, "a.bin", make([]byte, 0x100))
	asid0 := asid.Asid{CR3: 1}

	img := New("test")
	defer img.Close()

	sec, err := section.Make(path, 0, 0x100)
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	if err := img.Add(sec, asid0, 0x1000); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_ = section.Put(sec)

	if err := img.Remove(sec, asid0, 0x1000); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if img.Len() != 0 {
		t.Fatalf("Len after round-trip add/remove = %d, want 0", img.Len())
	}
}

func TestRemoveByFilenameAndAsid(t *testing.T) {
	pathA := writeTempFile(t, "a.bin", make([]byte, 0x100))
	pathB := writeTempFile(t, "b.bin", make([]byte, 0x100))
	asid0 := asid.Asid{CR3: 1}
	asid1 := asid.Asid{CR3: 2}

	img := New("test")
	defer img.Close()

	_ = img.AddFile(pathA, 0, 0x100, asid0, 0x1000)
	_ = img.AddFile(pathA, 0, 0x100, asid1, 0x2000)
	_ = img.AddFile(pathB, 0, 0x100, asid0, 0x3000)

	n, err := img.RemoveByFilename(pathA, asid.Asid{}) // wildcard matches both asid0 and asid1 entries
	if err != nil {
		t.Fatalf("RemoveByFilename: %v", err)
	}
	if n != 2 {
		t.Fatalf("RemoveByFilename removed = %d, want 2", n)
	}
	if img.Len() != 1 {
		t.Fatalf("Len = %d, want 1", img.Len())
	}

	n, err = img.RemoveByAsid(asid0)
	if err != nil {
		t.Fatalf("RemoveByAsid: %v", err)
	}
	if n != 1 || img.Len() != 0 {
		t.Fatalf("RemoveByAsid removed = %d, Len = %d, want (1, 0)", n, img.Len())
	}
}

func TestCopy(t *testing.T) {
	pathA := writeTempFile(t, "a.bin", make([]byte, 0x100))
	asid0 := asid.Asid{CR3: 1}

	src := New("src")
	defer src.Close()
	if err := src.AddFile(pathA, 0, 0x100, asid0, 0x1000); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	dst := New("dst")
	defer dst.Close()
	failed, err := Copy(dst, src)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if failed != 0 {
		t.Fatalf("Copy failed count = %d, want 0", failed)
	}
	if dst.Len() != 1 {
		t.Fatalf("dst.Len = %d, want 1", dst.Len())
	}
}
