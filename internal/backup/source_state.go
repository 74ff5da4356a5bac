package backup

import (
	"sort"
	"sync"
)

// SourceState maps normalized relative paths to the entries found below a
// source root. It is safe for concurrent use.
type SourceState struct {
	mu      sync.RWMutex
	entries map[string]*PathEntry
}

func NewSourceState() *SourceState {
	return &SourceState{entries: make(map[string]*PathEntry)}
}

// Add stores e, replacing any entry with the same name.
func (s *SourceState) Add(e *PathEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Name] = e
}

// AddFile stores a file entry and synthesizes its ancestor directories.
func (s *SourceState) AddFile(e *PathEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Name] = e
	for _, dir := range ancestors(e.Name) {
		if _, ok := s.entries[dir]; !ok {
			s.entries[dir] = &PathEntry{Name: dir, Kind: KindDirectory}
		}
	}
}

func (s *SourceState) Get(name string) (*PathEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

func (s *SourceState) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

func (s *SourceState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sorted returns all entries ordered by name.
func (s *SourceState) Sorted() []*PathEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*PathEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Clone returns a shallow copy usable as a worklist.
func (s *SourceState) Clone() *SourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &SourceState{entries: make(map[string]*PathEntry, len(s.entries))}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	return c
}
