package rest_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tracedmem/ptimage/internal/asid"
	"github.com/tracedmem/ptimage/internal/registry"
	"github.com/tracedmem/ptimage/internal/server/rest"
)

// fakeStore is an in-memory rest.Store implementation for handler tests.
type fakeStore struct {
	images map[string]registry.ImageStats
}

func newFakeStore() *fakeStore {
	return &fakeStore{images: map[string]registry.ImageStats{
		"pid-1": {Name: "pid-1", Capacity: 10, Resident: 0},
	}}
}

func (f *fakeStore) Names() []string {
	names := make([]string, 0, len(f.images))
	for n := range f.images {
		names = append(names, n)
	}
	return names
}

func (f *fakeStore) Stats(name string) (registry.ImageStats, error) {
	s, ok := f.images[name]
	if !ok {
		return registry.ImageStats{}, registry.ErrUnknownImage
	}
	return s, nil
}

func (f *fakeStore) AddFile(name, path string, fileOffset, size int64, a asid.Asid, vaddr uint64) error {
	s, ok := f.images[name]
	if !ok {
		return registry.ErrUnknownImage
	}
	s.Sections = append(s.Sections, registry.SectionStats{Filename: path, Begin: vaddr, End: vaddr + uint64(size)})
	f.images[name] = s
	return nil
}

func (f *fakeStore) RemoveByFilename(name, filename string, a asid.Asid) (int, error) {
	s, ok := f.images[name]
	if !ok {
		return 0, registry.ErrUnknownImage
	}
	return len(s.Sections), nil
}

func (f *fakeStore) RemoveByAsid(name string, a asid.Asid) (int, error) {
	if _, ok := f.images[name]; !ok {
		return 0, registry.ErrUnknownImage
	}
	return 0, nil
}

func (f *fakeStore) Copy(dstName, srcName string) (int, error) {
	if _, ok := f.images[dstName]; !ok {
		return 0, registry.ErrUnknownImage
	}
	if _, ok := f.images[srcName]; !ok {
		return 0, registry.ErrUnknownImage
	}
	return 0, nil
}

var _ rest.Store = (*fakeStore)(nil)

func newTestRouter(store rest.Store) http.Handler {
	srv := rest.NewServer(store)
	return rest.NewRouter(srv, nil, nil)
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(newFakeStore())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestListImages(t *testing.T) {
	r := newTestRouter(newFakeStore())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/images", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var names []string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(names) != 1 || names[0] != "pid-1" {
		t.Errorf("names = %v, want [pid-1]", names)
	}
}

func TestImageStatsNotFound(t *testing.T) {
	r := newTestRouter(newFakeStore())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/images/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAddSection(t *testing.T) {
	r := newTestRouter(newFakeStore())
	body, _ := json.Marshal(map[string]any{
		"path": "/bin/a", "file_offset": 0, "size": 0x100, "vaddr": 0x1000,
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images/pid-1/sections", bytes.NewReader(body))
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
}

func TestAddSectionRejectsMissingPath(t *testing.T) {
	r := newTestRouter(newFakeStore())
	body, _ := json.Marshal(map[string]any{"size": 0x100})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images/pid-1/sections", bytes.NewReader(body))
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRemoveSectionsRequiresSelector(t *testing.T) {
	r := newTestRouter(newFakeStore())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/images/pid-1/sections", bytes.NewReader([]byte(`{}`)))
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCopyImages(t *testing.T) {
	store := newFakeStore()
	store.images["pid-2"] = registry.ImageStats{Name: "pid-2"}
	r := newTestRouter(store)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images/pid-2/copy/pid-1", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestWriteNotFoundOrInternal(t *testing.T) {
	store := newFakeStore()
	r := newTestRouter(store)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images/missing/copy/pid-1", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !errors.Is(registry.ErrUnknownImage, registry.ErrUnknownImage) {
		t.Fatal("sanity check failed")
	}
}
