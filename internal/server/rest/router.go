// Package rest provides the read-mostly HTTP introspection API over a
// running registry.Registry: list images, inspect residency/cache
// stats, and trigger operator actions (copy, remove_by_filename,
// remove_by_asid) without needing direct process access.
package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tracedmem/ptimage/internal/server/events"
)

// NewRouter returns a configured chi.Router for the ptimage operator API.
//
// Route layout:
//
//	GET   /healthz                              – liveness probe (no auth)
//	GET   /api/v1/images                        – list image names (JWT required)
//	GET   /api/v1/images/{name}                 – stats + section list (JWT required)
//	GET   /api/v1/images/{name}/events          – SSE notification stream (JWT required)
//	POST  /api/v1/images/{name}/sections        – add a file-backed section (JWT required)
//	DELETE /api/v1/images/{name}/sections       – remove by filename or asid (JWT required)
//	POST  /api/v1/images/{dst}/copy/{src}       – copy src's entries into dst (JWT required)
//
// pubKey verifies RS256 Bearer tokens on every /api route. Pass nil to
// disable JWT validation (tests covering only request parsing / response
// formatting).
func NewRouter(srv *Server, eventsHandler *events.Handler, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/images", srv.handleListImages)
		r.Get("/images/{name}", srv.handleImageStats)
		if eventsHandler != nil {
			r.Get("/images/{name}/events", func(w http.ResponseWriter, req *http.Request) {
				eventsHandler.ServeHTTP(w, req, chi.URLParam(req, "name"))
			})
		}
		r.Post("/images/{name}/sections", srv.handleAddSection)
		r.Delete("/images/{name}/sections", srv.handleRemoveSections)
		r.Post("/images/{dst}/copy/{src}", srv.handleCopy)
	})

	return r
}
