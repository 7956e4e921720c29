package rest

import (
	"github.com/tracedmem/ptimage/internal/asid"
	"github.com/tracedmem/ptimage/internal/registry"
)

// Store is the subset of registry.Registry methods the REST handlers
// use. Defining an interface lets handlers be tested against a fake
// registry without a real Image/audit/storage stack behind it.
type Store interface {
	Names() []string
	Stats(name string) (registry.ImageStats, error)
	AddFile(name, path string, fileOffset, size int64, a asid.Asid, vaddr uint64) error
	RemoveByFilename(name, filename string, a asid.Asid) (int, error)
	RemoveByAsid(name string, a asid.Asid) (int, error)
	Copy(dstName, srcName string) (int, error)
}
