// Package workunit implements a scoped, hierarchical record of timing,
// outcome, and captured output for a single piece of work (a build step,
// a compiler invocation, a background job).
package workunit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is a work unit's terminal state.
type Outcome int

const (
	Unknown Outcome = iota
	Failure
	Warning
	Success
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Failure:
		return "FAILURE"
	case Warning:
		return "WARNING"
	case Success:
		return "SUCCESS"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// outputBuffer is an append-only byte buffer with a destructive drain: once
// bytes are handed to Drain they are never returned again.
type outputBuffer struct {
	data    []byte
	drained int
}

func (b *outputBuffer) drain() []byte {
	if b.drained >= len(b.data) {
		return nil
	}
	out := append([]byte(nil), b.data[b.drained:]...)
	b.drained = len(b.data)
	return out
}

// Unit is a node in the work unit tree. Entering is scoped: callers obtain
// a Unit via a parent's NewChild, call Start, do work, and call End on
// every exit path (see internal/runtracker for the context-scoped helper
// that makes this automatic).
type Unit struct {
	ID     string
	Parent *Unit
	Name   string
	Type   string
	Cmd    string

	StartTime time.Time
	EndTime   time.Time

	mu       sync.Mutex
	outcome  Outcome
	children []*Unit

	outMu   sync.Mutex
	outputs map[string]*outputBuffer
}

// New creates a root Unit (Parent == nil).
func New(name, typ, cmd string) *Unit {
	return &Unit{ID: uuid.NewString(), Name: name, Type: typ, Cmd: cmd}
}

// NewChild creates a Unit attached beneath parent.
func (u *Unit) NewChild(name, typ, cmd string) *Unit {
	child := &Unit{ID: uuid.NewString(), Parent: u, Name: name, Type: typ, Cmd: cmd}
	u.mu.Lock()
	u.children = append(u.children, child)
	u.mu.Unlock()
	return child
}

// Children returns the unit's direct children, in creation order.
func (u *Unit) Children() []*Unit {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*Unit(nil), u.children...)
}

// Start records the start time and resets outcome to Unknown.
func (u *Unit) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.StartTime = time.Now()
	u.outcome = Unknown
}

// SetOutcome sets the unit's outcome while it is still open. A callee may
// use this to flag Warning before returning; End only applies its default
// if no explicit outcome was set this way.
func (u *Unit) SetOutcome(o Outcome) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.outcome = o
}

// Outcome returns the unit's current outcome.
func (u *Unit) Outcome() Outcome {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.outcome
}

// End records the end time. If the unit's outcome is still Unknown (no
// explicit SetOutcome call happened), it is set to def — Failure on an
// exceptional exit, Success on a clean one.
func (u *Unit) End(def Outcome) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.EndTime = time.Now()
	if u.outcome == Unknown {
		u.outcome = def
	}
}

// IsOpen reports whether End has not yet been called.
func (u *Unit) IsOpen() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.EndTime.IsZero()
}

// Duration is EndTime - StartTime; zero if the unit hasn't ended.
func (u *Unit) Duration() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.EndTime.IsZero() || u.StartTime.IsZero() {
		return 0
	}
	return u.EndTime.Sub(u.StartTime)
}

// Label is the fully-qualified dotted path from the run root, including
// the root's own name, e.g. "all.compile.scala".
func (u *Unit) Label() string {
	var parts []string
	for cur := u; cur != nil; cur = cur.Parent {
		parts = append([]string{cur.Name}, parts...)
	}
	if len(parts) == 0 {
		return u.Name
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "." + p
	}
	return out
}

// AppendOutput appends p to the named output stream (e.g. "stdout",
// "stderr"). Safe for concurrent producers across different labels; same-
// label producers serialize on outMu, preserving production order.
func (u *Unit) AppendOutput(label string, p []byte) {
	if len(p) == 0 {
		return
	}
	u.outMu.Lock()
	defer u.outMu.Unlock()
	if u.outputs == nil {
		u.outputs = make(map[string]*outputBuffer)
	}
	buf, ok := u.outputs[label]
	if !ok {
		buf = &outputBuffer{}
		u.outputs[label] = buf
	}
	buf.data = append(buf.data, p...)
}

// DrainAll destructively drains every label with unread bytes, returning
// only labels that yielded non-empty output.
func (u *Unit) DrainAll() map[string][]byte {
	u.outMu.Lock()
	defer u.outMu.Unlock()
	if len(u.outputs) == 0 {
		return nil
	}
	out := make(map[string][]byte)
	for label, buf := range u.outputs {
		if chunk := buf.drain(); len(chunk) > 0 {
			out[label] = chunk
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
