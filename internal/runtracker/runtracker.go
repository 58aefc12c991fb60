// Package runtracker implements run-id generation, run-info persistence,
// the root work unit, and the scoped work-unit API callers use to create
// the rest of the tree.
package runtracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"forgecore/internal/report"
	"forgecore/internal/timing"
	"forgecore/internal/workunit"
)

// NewRunID formats a run id as "pants_run_<YYYY_mm_dd_HH_MM_SS>_<mmm>",
// where <mmm> is the three-digit millisecond within the second.
func NewRunID(t time.Time) string {
	millis := t.Nanosecond() / int(time.Millisecond)
	return fmt.Sprintf("pants_run_%s_%03d", t.Format("2006_01_02_15_04_05"), millis)
}

// RunInfo is a key-value record persisted at <info_dir>/<run_id>.info.
// Keys keep first-insertion order so the on-disk file is stable across
// re-writes of the same key.
type RunInfo struct {
	Path string

	mu     sync.Mutex
	order  []string
	values map[string]string
}

// NewRunInfo creates an (unwritten) RunInfo at path.
func NewRunInfo(path string) *RunInfo {
	return &RunInfo{Path: path, values: make(map[string]string)}
}

// AddInfo sets key to value and rewrites the backing file.
func (ri *RunInfo) AddInfo(key, value string) error {
	return ri.AddInfos([][2]string{{key, value}})
}

// AddInfos sets multiple key-value pairs in one rewrite.
func (ri *RunInfo) AddInfos(pairs [][2]string) error {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	for _, kv := range pairs {
		if _, exists := ri.values[kv[0]]; !exists {
			ri.order = append(ri.order, kv[0])
		}
		ri.values[kv[0]] = kv[1]
	}
	return ri.writeLocked()
}

func (ri *RunInfo) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(ri.Path), 0o755); err != nil {
		return fmt.Errorf("runtracker: creating info dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(ri.Path), filepath.Base(ri.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("runtracker: creating temp run-info file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, key := range ri.order {
		if _, err := fmt.Fprintf(w, "%s: %s\n", key, ri.values[key]); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("runtracker: writing run-info: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("runtracker: flushing run-info: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("runtracker: fsync run-info: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runtracker: closing run-info: %w", err)
	}
	if err := os.Rename(tmpName, ri.Path); err != nil {
		return fmt.Errorf("runtracker: committing run-info: %w", err)
	}
	committed = true
	return nil
}

// ReadRunInfo parses a persisted "<key>: <value>" run-info file. Readers
// must tolerate a missing "outcome" key: on an unclean exit it may be
// absent.
func ReadRunInfo(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtracker: reading run-info: %w", err)
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ": ", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

type currentUnitKey struct{}

func withUnit(ctx context.Context, u *workunit.Unit) context.Context {
	return context.WithValue(ctx, currentUnitKey{}, u)
}

// CurrentUnit returns the work unit ctx is scoped to, or nil if none.
func CurrentUnit(ctx context.Context) *workunit.Unit {
	u, _ := ctx.Value(currentUnitKey{}).(*workunit.Unit)
	return u
}

// RunTracker owns the root work unit, aggregated timings, and the Report
// fan-out hub for a single run.
type RunTracker struct {
	RunID   string
	RunInfo *RunInfo
	Timings *timing.Timings
	Report  *report.Report

	root *workunit.Unit
}

// New creates a RunTracker: it generates a run id, writes the initial
// run-info fields, atomically rewrites latest.info, opens report, and
// starts the root work unit.
func New(infoDir, cmdLine string, reporters []report.Reporter, now time.Time) (*RunTracker, error) {
	runID := NewRunID(now)
	ri := NewRunInfo(filepath.Join(infoDir, runID+".info"))
	if err := ri.AddInfos([][2]string{
		{"id", runID},
		{"timestamp", fmt.Sprintf("%d", now.Unix())},
		{"cmd_line", cmdLine},
	}); err != nil {
		return nil, err
	}

	if err := rewriteLatestSymlink(infoDir, runID+".info"); err != nil {
		return nil, err
	}

	rep := report.New(reporters)
	timings := timing.New()
	rep.AttachTimings(timings.GetAll)
	rep.Open()

	root := workunit.New("all", "root", "")
	root.Start()
	rep.Track(root)
	rep.StartWorkUnit(root)

	return &RunTracker{
		RunID:   runID,
		RunInfo: ri,
		Timings: timings,
		Report:  rep,
		root:    root,
	}, nil
}

// rewriteLatestSymlink atomically repoints <info_dir>/latest.info at
// target (unlink-then-symlink, every run).
func rewriteLatestSymlink(infoDir, target string) error {
	link := filepath.Join(infoDir, "latest.info")
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("runtracker: removing stale latest.info: %w", err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("runtracker: creating latest.info symlink: %w", err)
	}
	return nil
}

// RootContext returns a context scoped to the root work unit, for callers
// that need to start NewWorkScope chains outside any existing scope.
func (rt *RunTracker) RootContext(ctx context.Context) context.Context {
	return withUnit(ctx, rt.root)
}

// NewWorkScope is the only supported way to create a work unit: it
// creates a child beneath ctx's current unit (or the root, if none),
// starts it, runs fn, and ends it on every exit path — defaulting the
// outcome to Failure on a panic or a returned error, Success otherwise,
// unless fn already called workunit.Unit.SetOutcome.
func (rt *RunTracker) NewWorkScope(ctx context.Context, name, typ, cmd string, fn func(ctx context.Context, u *workunit.Unit) error) (err error) {
	parent := CurrentUnit(ctx)
	if parent == nil {
		parent = rt.root
	}
	u := parent.NewChild(name, typ, cmd)
	u.Start()
	rt.Report.Track(u)
	rt.Report.StartWorkUnit(u)
	childCtx := withUnit(ctx, u)

	start := time.Now()
	defer func() {
		def := workunit.Success
		if r := recover(); r != nil {
			def = workunit.Failure
			u.End(def)
			rt.Timings.Add(u.Label(), time.Since(start))
			rt.Report.EndWorkUnit(u)
			panic(r)
		}
		if err != nil {
			def = workunit.Failure
		}
		u.End(def)
		rt.Timings.Add(u.Label(), time.Since(start))
		rt.Report.EndWorkUnit(u)
	}()

	err = fn(childCtx, u)
	return err
}

// Close ends the root work unit with def as its default outcome — callers
// pass workunit.Failure when the run itself failed, workunit.Success
// otherwise; def is only a default; it does not override an outcome a
// work unit already set via SetOutcome — records the outcome (tolerating
// an already-removed info dir), and closes reporters.
func (rt *RunTracker) Close(def workunit.Outcome) error {
	rt.root.End(def)
	rt.Report.EndWorkUnit(rt.root)
	rt.Report.Close()
	if err := rt.RunInfo.AddInfo("outcome", rt.root.Outcome().String()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
