package watch

import (
	"strings"
	"sync"

	"github.com/YouSenRong/mindspore/internal/tensor"
)

// Target is one node-matching pattern of a watchpoint. Scope targets match
// any node under the named scope prefix; otherwise the match is exact.
type Target struct {
	Pattern string
	Scope   bool
}

// Watchpoint pairs a numeric condition with a set of target patterns. IDs are
// assigned by the controller and unique within the store.
type Watchpoint struct {
	ID        int32
	Condition Condition
	Value     float64
	Targets   []Target
}

// Hit records that a captured tensor satisfied a watchpoint. It carries only
// the tensor's identity, never its content.
type Hit struct {
	WatchpointID int32
	NodeName     string
	Slot         string
	Iter         string
	Condition    Condition
}

// Store holds the set of active watchpoints.
type Store struct {
	mu     sync.RWMutex
	order  []int32
	points map[int32]*Watchpoint
}

// NewStore creates an empty watch store.
func NewStore() *Store {
	return &Store{points: make(map[int32]*Watchpoint)}
}

// Add registers or replaces the watchpoint at id. Replacing keeps the
// original registration position, so hit ordering stays stable.
func (s *Store) Add(id int32, cond Condition, value float64, targets []Target) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.points[id]; !ok {
		s.order = append(s.order, id)
	}
	s.points[id] = &Watchpoint{ID: id, Condition: cond, Value: value, Targets: targets}
}

// Remove deletes the watchpoint at id. Removing a non-existent id is a no-op.
func (s *Store) Remove(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.points[id]; !ok {
		return
	}
	delete(s.points, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered watchpoints.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// IsWatched reports whether any registered target pattern matches the node.
func (s *Store) IsWatched(nodeName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, point := range s.points {
		if matches(point, nodeName) {
			return true
		}
	}
	return false
}

// Evaluate applies every watchpoint to every matching capture and returns at
// most one hit per (watchpoint, tensor) pair. Hits come out in watchpoint
// registration order, then capture order. overflowOps is the op-name list
// produced by hardware overflow detection.
func (s *Store) Evaluate(captures []*tensor.Capture, overflowOps []string) []Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for _, id := range s.order {
		point := s.points[id]
		for _, capture := range captures {
			if !matches(point, capture.NodeName) {
				continue
			}
			if s.satisfied(point, capture, overflowOps) {
				hits = append(hits, Hit{
					WatchpointID: point.ID,
					NodeName:     capture.NodeName,
					Slot:         capture.Slot,
					Iter:         capture.Iter,
					Condition:    point.Condition,
				})
			}
		}
	}
	return hits
}

func (s *Store) satisfied(point *Watchpoint, capture *tensor.Capture, overflowOps []string) bool {
	if point.Condition == Overflow {
		for _, op := range overflowOps {
			if op == capture.NodeName {
				return true
			}
		}
		return false
	}
	vals, err := capture.Float64s()
	if err != nil {
		// non-float captures cannot satisfy a numeric condition
		return false
	}
	return point.Condition.check(vals, point.Value)
}

func matches(point *Watchpoint, nodeName string) bool {
	for _, target := range point.Targets {
		if target.Scope {
			if nodeName == target.Pattern || strings.HasPrefix(nodeName, target.Pattern+"/") {
				return true
			}
		} else if nodeName == target.Pattern {
			return true
		}
	}
	return false
}
