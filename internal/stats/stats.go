// Package stats keeps the named process-wide counters the core exports for
// observability. Names are part of the external contract; the registry hands
// out the same variable for the same name.
package stats

import (
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Kind distinguishes monotonic variables from up/down counters.
type Kind int

const (
	// KindVariable only grows (until Clear).
	KindVariable Kind = iota
	// KindUpDown tracks a current level.
	KindUpDown
)

// Variable is a named int64 counter safe for concurrent use.
type Variable struct {
	name  string
	kind  Kind
	value atomic.Int64
}

// Name returns the registered name.
func (v *Variable) Name() string { return v.name }

// Kind reports whether v is a plain variable or an up/down counter.
func (v *Variable) Kind() Kind { return v.kind }

// Add adds delta and returns the new value.
func (v *Variable) Add(delta int64) int64 { return v.value.Add(delta) }

// Inc adds one.
func (v *Variable) Inc() int64 { return v.value.Add(1) }

// Get returns the current value.
func (v *Variable) Get() int64 { return v.value.Load() }

// Set overwrites the value. Intended for up/down counters.
func (v *Variable) Set(value int64) { v.value.Store(value) }

// Statistics is the registry of named variables.
type Statistics struct {
	vars *xsync.MapOf[string, *Variable]
}

// New returns an empty registry.
func New() *Statistics {
	return &Statistics{vars: xsync.NewMapOf[string, *Variable]()}
}

// AddVariable registers (or returns the existing) monotonic variable.
func (s *Statistics) AddVariable(name string) *Variable {
	return s.add(name, KindVariable)
}

// AddUpDownCounter registers (or returns the existing) up/down counter.
func (s *Statistics) AddUpDownCounter(name string) *Variable {
	return s.add(name, KindUpDown)
}

func (s *Statistics) add(name string, kind Kind) *Variable {
	v, _ := s.vars.LoadOrCompute(name, func() *Variable {
		return &Variable{name: name, kind: kind}
	})
	return v
}

// Lookup returns the variable registered under name, or nil.
func (s *Statistics) Lookup(name string) *Variable {
	v, ok := s.vars.Load(name)
	if !ok {
		return nil
	}
	return v
}

// Value returns the value of name, or 0 when it is not registered.
func (s *Statistics) Value(name string) int64 {
	if v := s.Lookup(name); v != nil {
		return v.Get()
	}
	return 0
}

// Snapshot copies every value keyed by name.
func (s *Statistics) Snapshot() map[string]int64 {
	out := make(map[string]int64, s.vars.Size())
	s.vars.Range(func(name string, v *Variable) bool {
		out[name] = v.Get()
		return true
	})
	return out
}

// Variables returns all registered variables sorted by name.
func (s *Statistics) Variables() []*Variable {
	out := make([]*Variable, 0, s.vars.Size())
	s.vars.Range(func(_ string, v *Variable) bool {
		out = append(out, v)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Clear zeroes every variable.
func (s *Statistics) Clear() {
	s.vars.Range(func(_ string, v *Variable) bool {
		v.Set(0)
		return true
	})
}
