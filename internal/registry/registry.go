// Package registry is the operator-facing control plane around one or
// more named Images: the glue between internal/image and the
// audit/telemetry/metrics/events packages that observe it. It never
// changes Image/Section/Asid semantics — every mutating method here is
// a thin wrapper that performs the underlying Image operation and then
// records what happened.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tracedmem/ptimage/internal/asid"
	"github.com/tracedmem/ptimage/internal/audit"
	"github.com/tracedmem/ptimage/internal/image"
	"github.com/tracedmem/ptimage/internal/metrics"
	"github.com/tracedmem/ptimage/internal/server/events"
	"github.com/tracedmem/ptimage/internal/telemetry/queue"
)

// Registry owns a set of named Images and the operational surface
// wrapped around them: audit logging, the telemetry queue, Prometheus
// counters, and SSE notifications.
type Registry struct {
	mu     sync.RWMutex
	images map[string]*image.Image

	auditLog *audit.Logger
	queue    *queue.Queue
	metrics  *metrics.Registry
	events   *events.Broadcaster
	logger   *slog.Logger
}

// New creates an empty Registry. Any of auditLog, q, metricsReg, or bc
// may be nil to disable that observation channel.
func New(auditLog *audit.Logger, q *queue.Queue, metricsReg *metrics.Registry, bc *events.Broadcaster, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		images:   make(map[string]*image.Image),
		auditLog: auditLog,
		queue:    q,
		metrics:  metricsReg,
		events:   bc,
		logger:   logger,
	}
}

// enqueue buffers one telemetry event for asynchronous delivery to the
// long-term storage sink. It never blocks a caller on a sink outage:
// the sqlite queue absorbs the write locally, and a background pump
// ships it out later. A nil queue (as passed to New) makes this a
// no-op.
func (r *Registry) enqueue(name, kind string, payload any) {
	if r.queue == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("registry: failed to marshal telemetry payload",
			slog.String("image", name), slog.String("kind", kind), slog.Any("error", err))
		return
	}
	evt := queue.Event{Image: name, Kind: kind, Payload: body, Timestamp: time.Now().UTC()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.queue.Enqueue(ctx, evt); err != nil {
		r.logger.Warn("registry: failed to enqueue telemetry event",
			slog.String("image", name), slog.String("kind", kind), slog.Any("error", err))
	}
}

// ErrUnknownImage is returned by any operation naming an image the
// registry does not manage.
var ErrUnknownImage = errors.New("registry: unknown image")

// imageObserver bridges an Image's Observer calls to this registry's
// metrics/events sinks for one named image.
type imageObserver struct {
	r    *Registry
	name string
}

func (o imageObserver) OnReadHit(promoted bool) {
	if o.r.metrics != nil {
		o.r.metrics.RecordHit(o.name)
	}
}

func (o imageObserver) OnReadMiss() {
	if o.r.metrics != nil {
		o.r.metrics.RecordMiss(o.name)
	}
}

func (o imageObserver) OnDemandMap() {
	if o.r.metrics != nil {
		o.r.metrics.RecordDemandMap(o.name)
	}
	if o.r.events != nil {
		o.r.events.Publish(events.Notification{Image: o.name, Kind: "map"})
	}
}

func (o imageObserver) OnPrune(resident, capacity int, err error) {
	if o.r.metrics != nil {
		o.r.metrics.RecordPrune(o.name)
		o.r.metrics.SetResident(o.name, resident)
		o.r.metrics.SetCapacity(o.name, capacity)
	}
	errStr := ""
	if err != nil {
		errStr = err.Error()
		if o.r.metrics != nil {
			o.r.metrics.RecordUnmapFailure(o.name)
		}
	}
	if o.r.events != nil {
		o.r.events.Publish(events.Notification{
			Image: o.name, Kind: "prune", Resident: resident, Capacity: capacity, Error: errStr,
		})
	}
	if o.r.auditLog != nil {
		_, _ = o.r.auditLog.RecordPrune(audit.PruneEvent{Image: o.name, Residency: resident, Capacity: capacity, Error: errStr})
	}
	if err != nil {
		if o.r.auditLog != nil {
			_, _ = o.r.auditLog.RecordUnmapFailure(audit.UnmapFailureEvent{Image: o.name, Error: errStr})
		}
		o.r.logger.Warn("registry: prune encountered unmap failure",
			slog.String("image", o.name), slog.Any("error", err))
	}
	o.r.enqueue(o.name, "prune", audit.PruneEvent{Image: o.name, Residency: resident, Capacity: capacity, Error: errStr})
}

func (o imageObserver) OnUnmapFailure(filename string, vaddr uint64, err error) {
	if o.r.metrics != nil {
		o.r.metrics.RecordUnmapFailure(o.name)
	}
	if o.r.auditLog != nil {
		_, _ = o.r.auditLog.RecordUnmapFailure(audit.UnmapFailureEvent{
			Image: o.name, Filename: filename, Vaddr: vaddr, Error: err.Error(),
		})
	}
	o.r.logger.Warn("registry: unmap failure",
		slog.String("image", o.name), slog.String("filename", filename), slog.Any("error", err))
	o.r.enqueue(o.name, "unmap_failure", audit.UnmapFailureEvent{
		Image: o.name, Filename: filename, Vaddr: vaddr, Error: err.Error(),
	})
}

// Create allocates a new image named name with the given cache
// capacity and registers it. It fails if name is already in use.
func (r *Registry) Create(name string, capacity int) (*image.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.images[name]; exists {
		return nil, fmt.Errorf("registry: image %q already exists", name)
	}
	img := image.NewWithCapacity(name, capacity)
	img.SetObserver(imageObserver{r: r, name: name})
	r.images[name] = img
	if r.metrics != nil {
		r.metrics.SetCapacity(name, capacity)
		r.metrics.SetResident(name, 0)
	}
	return img, nil
}

// Get returns the named image, or ErrUnknownImage if none is registered
// under that name.
func (r *Registry) Get(name string) (*image.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[name]
	if !ok {
		return nil, ErrUnknownImage
	}
	return img, nil
}

// Names returns every registered image name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.images))
	for n := range r.images {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close tears down every registered image, returning the first error
// encountered (if any) while continuing to close the rest.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, img := range r.images {
		if err := img.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SectionStats describes one entry of a managed image for introspection.
type SectionStats struct {
	Filename string `json:"filename"`
	Begin    uint64 `json:"begin"`
	End      uint64 `json:"end"`
	CR3      uint64 `json:"cr3"`
	VMCS     uint64 `json:"vmcs"`
	Mapped   bool   `json:"mapped"`
}

// ImageStats is a point-in-time snapshot of one managed image.
type ImageStats struct {
	Name     string         `json:"name"`
	Capacity int            `json:"capacity"`
	Resident int            `json:"resident"`
	Sections []SectionStats `json:"sections"`
}

// Stats returns a snapshot of the named image's entry list.
func (r *Registry) Stats(name string) (ImageStats, error) {
	img, err := r.Get(name)
	if err != nil {
		return ImageStats{}, err
	}
	entries := img.Entries()
	sections := make([]SectionStats, 0, len(entries))
	for _, e := range entries {
		sections = append(sections, SectionStats{
			Filename: e.Filename,
			Begin:    e.Begin,
			End:      e.End,
			CR3:      e.Asid.CR3,
			VMCS:     e.Asid.VMCS,
			Mapped:   e.Mapped,
		})
	}
	return ImageStats{
		Name:     img.Name(),
		Capacity: img.Capacity(),
		Resident: img.Resident(),
		Sections: sections,
	}, nil
}

// AddFile adds a section at (a, vaddr) to the named image, auditing and
// publishing a notification on success.
func (r *Registry) AddFile(name, path string, fileOffset, size int64, a asid.Asid, vaddr uint64) error {
	img, err := r.Get(name)
	if err != nil {
		return err
	}
	if err := img.AddFile(path, fileOffset, size, a, vaddr); err != nil {
		return err
	}
	if r.auditLog != nil {
		_, _ = r.auditLog.RecordAdd(audit.AddEvent{
			Image: name, Filename: path, Vaddr: vaddr, Size: size, CR3: a.CR3, VMCS: a.VMCS,
		})
	}
	if r.events != nil {
		r.events.Publish(events.Notification{Image: name, Kind: "add", Filename: path, Vaddr: vaddr})
	}
	r.enqueue(name, "add", audit.AddEvent{Image: name, Filename: path, Vaddr: vaddr, Size: size, CR3: a.CR3, VMCS: a.VMCS})
	return nil
}

// RemoveByFilename removes every entry matching filename/a from the
// named image, auditing and publishing a notification with the count
// removed.
func (r *Registry) RemoveByFilename(name, filename string, a asid.Asid) (int, error) {
	img, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	n, err := img.RemoveByFilename(filename, a)
	if err != nil {
		return n, err
	}
	if r.auditLog != nil {
		_, _ = r.auditLog.RecordRemove(audit.RemoveEvent{
			Image: name, Kind: "remove_by_filename", Target: filename, Matched: n,
		})
	}
	if r.events != nil {
		r.events.Publish(events.Notification{Image: name, Kind: "remove", Filename: filename, Resident: n})
	}
	r.enqueue(name, "remove", audit.RemoveEvent{Image: name, Kind: "remove_by_filename", Target: filename, Matched: n})
	return n, nil
}

// RemoveByAsid removes every entry matching a from the named image,
// auditing and publishing a notification with the count removed.
func (r *Registry) RemoveByAsid(name string, a asid.Asid) (int, error) {
	img, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	n, err := img.RemoveByAsid(a)
	if err != nil {
		return n, err
	}
	if r.auditLog != nil {
		_, _ = r.auditLog.RecordRemove(audit.RemoveEvent{
			Image: name, Kind: "remove_by_asid", Target: a.String(), Matched: n,
		})
	}
	if r.events != nil {
		r.events.Publish(events.Notification{Image: name, Kind: "remove", Resident: n})
	}
	r.enqueue(name, "remove", audit.RemoveEvent{Image: name, Kind: "remove_by_asid", Target: a.String(), Matched: n})
	return n, nil
}

// Copy copies every entry of the src image into the dst image, both
// named, auditing the number of additions that failed.
func (r *Registry) Copy(dstName, srcName string) (int, error) {
	dst, err := r.Get(dstName)
	if err != nil {
		return 0, err
	}
	src, err := r.Get(srcName)
	if err != nil {
		return 0, err
	}
	failed, err := image.Copy(dst, src)
	if r.auditLog != nil {
		_, _ = r.auditLog.RecordRemove(audit.RemoveEvent{
			Image: dstName, Kind: "copy_from_" + srcName, Matched: failed,
		})
	}
	r.enqueue(dstName, "copy", audit.RemoveEvent{Image: dstName, Kind: "copy_from_" + srcName, Matched: failed})
	return failed, err
}
