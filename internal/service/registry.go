package service

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry maps run ids to records. Records are kept for the lifetime of the
// process.
type Registry struct {
	mx   sync.RWMutex
	runs map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Record)}
}

func (g *Registry) Add(r *Record) error {
	g.mx.Lock()
	defer g.mx.Unlock()
	if _, ok := g.runs[r.id]; ok {
		return fmt.Errorf("run %s already registered", r.id)
	}
	g.runs[r.id] = r
	return nil
}

func (g *Registry) Get(id string) (*Record, error) {
	g.mx.RLock()
	defer g.mx.RUnlock()
	r, ok := g.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// Active returns the newest run which has not finished yet. An empty pipeline
// matches runs of every pipeline.
func (g *Registry) Active(pipeline string) (*Record, bool) {
	var newest *Record
	var newestSummary Summary
	for _, r := range g.All() {
		if pipeline != "" && r.pipeline.name != pipeline {
			continue
		}
		s := r.Summary()
		if s.Terminal() {
			continue
		}
		if newest == nil || newer(s, newestSummary) {
			newest, newestSummary = r, s
		}
	}
	return newest, newest != nil
}

// All returns every record ordered by id.
func (g *Registry) All() []*Record {
	g.mx.RLock()
	ret := make([]*Record, 0, len(g.runs))
	for _, r := range g.runs {
		ret = append(ret, r)
	}
	g.mx.RUnlock()
	slices.SortFunc(ret, func(a, b *Record) int {
		return strings.Compare(a.id, b.id)
	})
	return ret
}

func newer(a, b Summary) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.After(b.StartTime)
	}
	return a.ID > b.ID
}
