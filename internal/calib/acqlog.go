package calib

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"microcal/internal/frame"

	"golang.org/x/sync/errgroup"
)

// acqLog archives every frame acquired during a run as a TIFF next to the
// report, with an index line per frame in acquisition.log. Encoding runs in
// the background with bounded parallelism so the pipeline is not slowed
// down by disk writes.
type acqLog struct {
	dir string
	g   errgroup.Group

	mu    sync.Mutex
	lines []string
	seq   int
}

func newAcqLog(dir string) *acqLog {
	l := &acqLog{dir: dir}
	l.g.SetLimit(2)
	return l
}

// save archives one frame under a step-derived name.
func (l *acqLog) save(step string, f *frame.Frame) {
	l.mu.Lock()
	l.seq++
	name := fmt.Sprintf("%03d-%s.tiff", l.seq, step)
	l.lines = append(l.lines, fmt.Sprintf("%s %s %dx%d pxsize=%.3g",
		time.Now().Format(time.RFC3339), name, f.W, f.H, f.Meta.PixelSize.X))
	l.mu.Unlock()

	l.g.Go(func() error {
		if err := f.SaveTIFF(filepath.Join(l.dir, name)); err != nil {
			slog.Warn("acquisition archive failed", "file", name, "err", err)
		}
		return nil
	})
}

// close waits for pending encodes and writes the index file.
func (l *acqLog) close() {
	_ = l.g.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	var out string
	for _, line := range l.lines {
		out += line + "\n"
	}
	path := filepath.Join(l.dir, "acquisition.log")
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		slog.Warn("acquisition log write failed", "err", err)
	}
}
