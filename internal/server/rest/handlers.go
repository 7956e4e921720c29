package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tracedmem/ptimage/internal/asid"
	"github.com/tracedmem/ptimage/internal/registry"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a Server backed by store.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz. It does not require
// authentication and always returns 200 so load balancers can verify
// liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListImages responds to GET /api/v1/images with the sorted list
// of managed image names.
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Names())
}

// handleImageStats responds to GET /api/v1/images/{name} with the
// named image's capacity, residency, and full section list.
func (s *Server) handleImageStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := s.store.Stats(name)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// addSectionRequest is the JSON body of POST /api/v1/images/{name}/sections.
type addSectionRequest struct {
	Path       string `json:"path"`
	FileOffset int64  `json:"file_offset"`
	Size       int64  `json:"size"`
	Vaddr      uint64 `json:"vaddr"`
	CR3        uint64 `json:"cr3,omitempty"`
	VMCS       uint64 `json:"vmcs,omitempty"`
}

// handleAddSection responds to POST /api/v1/images/{name}/sections.
func (s *Server) handleAddSection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req addSectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Path == "" || req.Size <= 0 {
		writeError(w, http.StatusBadRequest, "path is required and size must be > 0")
		return
	}

	a := asid.Asid{CR3: req.CR3, VMCS: req.VMCS}
	if err := s.store.AddFile(name, req.Path, req.FileOffset, req.Size, a, req.Vaddr); err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

// removeSectionsRequest is the JSON body of DELETE /api/v1/images/{name}/sections.
// Exactly one of Filename or ByASID (an explicit true) selects the removal
// key; an empty Filename with ByASID removes every entry matching the asid.
type removeSectionsRequest struct {
	Filename string `json:"filename,omitempty"`
	ByASID   bool   `json:"by_asid,omitempty"`
	CR3      uint64 `json:"cr3,omitempty"`
	VMCS     uint64 `json:"vmcs,omitempty"`
}

// handleRemoveSections responds to DELETE /api/v1/images/{name}/sections.
func (s *Server) handleRemoveSections(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req removeSectionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	a := asid.Asid{CR3: req.CR3, VMCS: req.VMCS}

	var (
		n   int
		err error
	)
	if req.Filename != "" {
		n, err = s.store.RemoveByFilename(name, req.Filename, a)
	} else if req.ByASID {
		n, err = s.store.RemoveByAsid(name, a)
	} else {
		writeError(w, http.StatusBadRequest, "one of filename or by_asid is required")
		return
	}
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// handleCopy responds to POST /api/v1/images/{dst}/copy/{src}.
func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	dst := chi.URLParam(r, "dst")
	src := chi.URLParam(r, "src")

	failed, err := s.store.Copy(dst, src)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"failed": failed})
}

func writeNotFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrUnknownImage) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
