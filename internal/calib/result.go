package calib

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"microcal/pkg/geometry"
)

// Result is the accumulating calibration output. Entries are recorded in
// insertion order as each sub-procedure completes and are never rolled
// back: a failed or cancelled run still persists whatever was computed.
type Result struct {
	mu     sync.Mutex
	keys   []string
	values map[string]any
}

// NewResult creates an empty result map.
func NewResult() *Result {
	return &Result{values: make(map[string]any)}
}

// Set records a scalar or vector value. Re-setting a key refines it in
// place, keeping its original position.
func (r *Result) Set(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns a recorded value.
func (r *Result) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

// Len returns the number of recorded entries.
func (r *Result) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// WriteReport writes the result as ordered "name = value" lines, keyed by
// the sample-holder identifier. Vector values are split into _x/_y lines.
func (r *Result) WriteReport(dir, holderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", holderID)
	for _, key := range r.keys {
		switch v := r.values[key].(type) {
		case geometry.Point2D:
			fmt.Fprintf(&b, "%s_x = %.12g\n", key, v.X)
			fmt.Fprintf(&b, "%s_y = %.12g\n", key, v.Y)
		case float64:
			fmt.Fprintf(&b, "%s = %.12g\n", key, v)
		default:
			fmt.Fprintf(&b, "%s = %v\n", key, v)
		}
	}

	path := filepath.Join(dir, "calibration.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
