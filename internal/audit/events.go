package audit

import "encoding/json"

// AddEvent records a successful Image.Add/AddFile call.
type AddEvent struct {
	Image    string `json:"image"`
	Filename string `json:"filename"`
	Vaddr    uint64 `json:"vaddr"`
	Size     int64  `json:"size"`
	CR3      uint64 `json:"cr3"`
	VMCS     uint64 `json:"vmcs"`
}

// RemoveEvent records one Remove, RemoveByFilename, or RemoveByAsid
// call. Matched is the number of entries the call removed (1 for
// Remove, 0..n for the bulk variants). The registry also records a Copy
// with it, with Kind "copy_from_<src>" and Matched holding the number
// of additions that failed.
type RemoveEvent struct {
	Image   string `json:"image"`
	Kind    string `json:"kind"` // "remove", "remove_by_filename", "remove_by_asid", "copy_from_<src>"
	Target  string `json:"target,omitempty"`
	Matched int    `json:"matched"`
}

// PruneEvent records one cache-pruning pass.
type PruneEvent struct {
	Image     string `json:"image"`
	Residency int    `json:"residency"`
	Capacity  int    `json:"capacity"`
	Error     string `json:"error,omitempty"`
}

// UnmapFailureEvent records a section unmap that returned an error,
// surfaced for operator visibility even though the image's own
// bookkeeping treats the failure as advisory.
type UnmapFailureEvent struct {
	Image    string `json:"image"`
	Filename string `json:"filename"`
	Vaddr    uint64 `json:"vaddr"`
	Error    string `json:"error"`
}

// RecordAdd appends an AddEvent.
func (l *Logger) RecordAdd(e AddEvent) (Entry, error) {
	return l.appendTyped("add", e)
}

// RecordRemove appends a RemoveEvent.
func (l *Logger) RecordRemove(e RemoveEvent) (Entry, error) {
	return l.appendTyped("remove", e)
}

// RecordPrune appends a PruneEvent.
func (l *Logger) RecordPrune(e PruneEvent) (Entry, error) {
	return l.appendTyped("prune", e)
}

// RecordUnmapFailure appends an UnmapFailureEvent.
func (l *Logger) RecordUnmapFailure(e UnmapFailureEvent) (Entry, error) {
	return l.appendTyped("unmap_failure", e)
}

// typedPayload wraps a domain event with a discriminator so Verify
// (and any later reader) can distinguish event kinds without guessing
// from field shape.
type typedPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func (l *Logger) appendTyped(kind string, data any) (Entry, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Entry{}, err
	}
	payload, err := json.Marshal(typedPayload{Kind: kind, Data: raw})
	if err != nil {
		return Entry{}, err
	}
	return l.Append(payload)
}
