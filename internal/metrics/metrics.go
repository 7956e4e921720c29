// Package metrics exposes per-image cache operation counters in the
// Prometheus text exposition format, hand-rolled without an external
// client library.
//
// # Metric catalogue
//
//	ptimage_read_hits_total{image}        – counter: Read calls answered by a section or the callback
//	ptimage_read_misses_total{image}      – counter: Read calls no section or callback answered
//	ptimage_demand_maps_total{image}      – counter: cold-scan Section.Map calls
//	ptimage_prunes_total{image}           – counter: cache-pruning passes run
//	ptimage_unmap_failures_total{image}   – counter: Section.Unmap calls that returned an error
//	ptimage_resident{image}               – gauge:   current residency (R)
//	ptimage_capacity{image}               – gauge:   current cache capacity (C)
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// imageCounters holds the mutable counters for a single named image.
// All fields are updated atomically so Handler can read a consistent
// snapshot without taking the registry lock.
type imageCounters struct {
	hits          atomic.Int64
	misses        atomic.Int64
	demandMaps    atomic.Int64
	prunes        atomic.Int64
	unmapFailures atomic.Int64
	resident      atomic.Int64
	capacity      atomic.Int64
}

// Registry tracks the per-image counters for every image the operator
// plane manages. The zero value is ready to use.
type Registry struct {
	mu     sync.Mutex
	images map[string]*imageCounters
}

// NewRegistry allocates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{images: make(map[string]*imageCounters)}
}

func (r *Registry) counters(image string) *imageCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.images == nil {
		r.images = make(map[string]*imageCounters)
	}
	c, ok := r.images[image]
	if !ok {
		c = &imageCounters{}
		r.images[image] = c
	}
	return c
}

// RecordHit increments the read-hit counter for image.
func (r *Registry) RecordHit(image string) { r.counters(image).hits.Add(1) }

// RecordMiss increments the read-miss counter for image.
func (r *Registry) RecordMiss(image string) { r.counters(image).misses.Add(1) }

// RecordDemandMap increments the demand-map counter for image.
func (r *Registry) RecordDemandMap(image string) { r.counters(image).demandMaps.Add(1) }

// RecordPrune increments the prune counter for image.
func (r *Registry) RecordPrune(image string) { r.counters(image).prunes.Add(1) }

// RecordUnmapFailure increments the unmap-failure counter for image.
func (r *Registry) RecordUnmapFailure(image string) { r.counters(image).unmapFailures.Add(1) }

// SetResident sets the residency gauge for image to n.
func (r *Registry) SetResident(image string, n int) { r.counters(image).resident.Store(int64(n)) }

// SetCapacity sets the capacity gauge for image to c.
func (r *Registry) SetCapacity(image string, c int) { r.counters(image).capacity.Store(int64(c)) }

// metricFamily is one Prometheus metric family: a name, help text, type,
// and an accessor pulling the current value out of imageCounters.
type metricFamily struct {
	name string
	help string
	kind string
	get  func(*imageCounters) int64
}

var families = []metricFamily{
	{"ptimage_read_hits_total", "Total Read calls answered by a section or the fallback callback.", "counter", func(c *imageCounters) int64 { return c.hits.Load() }},
	{"ptimage_read_misses_total", "Total Read calls that no section or callback answered.", "counter", func(c *imageCounters) int64 { return c.misses.Load() }},
	{"ptimage_demand_maps_total", "Total cold-scan Section.Map calls.", "counter", func(c *imageCounters) int64 { return c.demandMaps.Load() }},
	{"ptimage_prunes_total", "Total cache-pruning passes run.", "counter", func(c *imageCounters) int64 { return c.prunes.Load() }},
	{"ptimage_unmap_failures_total", "Total Section.Unmap calls that returned an error.", "counter", func(c *imageCounters) int64 { return c.unmapFailures.Load() }},
	{"ptimage_resident", "Current residency (R) of the image's demand-map cache.", "gauge", func(c *imageCounters) int64 { return c.resident.Load() }},
	{"ptimage_capacity", "Current cache capacity (C) of the image.", "gauge", func(c *imageCounters) int64 { return c.capacity.Load() }},
}

// Handler returns an http.Handler serving every tracked image's counters
// in Prometheus text exposition format on every GET request.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		r.write(w)
	})
}

func (r *Registry) write(w io.Writer) {
	r.mu.Lock()
	names := make([]string, 0, len(r.images))
	for name := range r.images {
		names = append(names, name)
	}
	sort.Strings(names)
	snap := make(map[string]*imageCounters, len(names))
	for _, n := range names {
		snap[n] = r.images[n]
	}
	r.mu.Unlock()

	for _, f := range families {
		fmt.Fprintf(w, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", f.name, f.kind)
		for _, name := range names {
			fmt.Fprintf(w, "%s{image=%q} %d\n", f.name, name, f.get(snap[name]))
		}
	}
}
