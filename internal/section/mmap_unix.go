//go:build linux || darwin

package section

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// unixWindow is a real mmap(2)-backed mapped window: the section's
// backing range is read-only mapped into the process address space, and
// ReadMapped does a plain slice copy with no syscall per read.
type unixWindow struct {
	file     *os.File
	raw      []byte // the full, page-aligned mmap slice; passed to Munmap as-is
	data     []byte // raw, sliced to exactly [fileOffset, fileOffset+size)
	fileOffset int64
	size       int64
}

// openWindow mmaps [fileOffset, fileOffset+size) of path read-only,
// aligning the mmap(2) call to the system page size as required by the
// syscall and slicing the alignment padding back off before returning.
func openWindow(path string, fileOffset, size int64) (window, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("section: open %q: %w", path, err)
	}

	pageSize := int64(unix.Getpagesize())
	alignedOffset := (fileOffset / pageSize) * pageSize
	offsetDiff := fileOffset - alignedOffset
	mapSize := size + offsetDiff

	raw, err := unix.Mmap(int(f.Fd()), alignedOffset, int(mapSize), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: mmap %q: %v", ErrNoMem, path, err)
	}

	return &unixWindow{
		file:       f,
		raw:        raw,
		data:       raw[offsetDiff:],
		fileOffset: fileOffset,
		size:       size,
	}, nil
}

func (w *unixWindow) readAt(off int64, buf []byte) (int, error) {
	n := copy(buf, w.data[off:])
	return n, nil
}

func (w *unixWindow) close() error {
	err := unix.Munmap(w.raw)
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("section: unmap %q: %w", w.file.Name(), err)
	}
	return nil
}
