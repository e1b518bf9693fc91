package domain

import (
	"reflect"
	"sort"
	"time"
)

// Snapshot is an immutable mapping of tool names to tools.
type Snapshot struct {
	Version uint64
	BuiltAt time.Time
	tools   map[string]Tool
	names   []string
}

// NewSnapshot indexes tools by name. Later duplicates replace earlier ones.
func NewSnapshot(version uint64, builtAt time.Time, tools []Tool) *Snapshot {
	index := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		index[tool.Name] = tool
	}
	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Snapshot{
		Version: version,
		BuiltAt: builtAt,
		tools:   index,
		names:   names,
	}
}

// EmptySnapshot returns a snapshot with no tools.
func EmptySnapshot() *Snapshot {
	return NewSnapshot(0, time.Time{}, nil)
}

func (s *Snapshot) Get(name string) (Tool, bool) {
	if s == nil {
		return Tool{}, false
	}
	tool, ok := s.tools[name]
	return tool, ok
}

func (s *Snapshot) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Names returns a sorted copy of the tool names.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// Tools returns the tools in name order.
func (s *Snapshot) Tools() []Tool {
	if s == nil {
		return nil
	}
	out := make([]Tool, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.tools[name])
	}
	return out
}

// Range visits tools in name order until fn returns false.
func (s *Snapshot) Range(fn func(Tool) bool) {
	if s == nil {
		return
	}
	for _, name := range s.names {
		if !fn(s.tools[name]) {
			return
		}
	}
}

// ReloadSource labels what triggered a registry reload.
type ReloadSource string

const (
	ReloadSourceInitial  ReloadSource = "initial"
	ReloadSourceWatch    ReloadSource = "watch"
	ReloadSourceUpstream ReloadSource = "upstream"
	ReloadSourceManual   ReloadSource = "manual"
)

// RegistryChange summarizes a published reload by tool name.
type RegistryChange struct {
	Version  uint64
	Source   ReloadSource
	Added    []string
	Removed  []string
	Modified []string
}

// IsEmpty reports whether the change contains any names.
func (c RegistryChange) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// Affected returns removed and modified names, which invalidate cached decisions.
func (c RegistryChange) Affected() []string {
	out := make([]string, 0, len(c.Removed)+len(c.Modified))
	out = append(out, c.Removed...)
	out = append(out, c.Modified...)
	return out
}

// DiffSnapshots computes the change between two snapshots.
func DiffSnapshots(prev *Snapshot, next *Snapshot) RegistryChange {
	change := RegistryChange{}
	if next != nil {
		change.Version = next.Version
	}
	prev.Range(func(before Tool) bool {
		after, ok := next.Get(before.Name)
		if !ok {
			change.Removed = append(change.Removed, before.Name)
			return true
		}
		if !reflect.DeepEqual(before, after) {
			change.Modified = append(change.Modified, before.Name)
		}
		return true
	})
	next.Range(func(after Tool) bool {
		if !prev.Has(after.Name) {
			change.Added = append(change.Added, after.Name)
		}
		return true
	})

	sort.Strings(change.Added)
	sort.Strings(change.Removed)
	sort.Strings(change.Modified)
	return change
}
