// Package msgstore holds the per-node message buffers of a run.
//
// Each node owns a buffer of kept messages bounded by its retention and a
// list of transient messages visible for its next round only. Every
// delivery is stamped with a per-node sequence number; a round's effective
// input is the merge of both lists in sequence order.
package msgstore

import (
	"maps"
	"sort"
	"sync"

	"github.com/petrijr/graphflow/pkg/api"
)

// Delivery describes how a message lands in a target buffer.
type Delivery struct {
	// Keep appends to the retained buffer; otherwise the message is transient.
	Keep bool
	// Clear empties the node's buffer, retained and transient, before
	// delivering.
	Clear bool
}

type buffer struct {
	mu        sync.Mutex
	retention int
	kept      []api.Message
	transient []api.Message
	seq       uint64
}

// Store is safe for concurrent use. Each node buffer has its own lock.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*buffer
}

// New creates a store with one buffer per node; retention maps node IDs to
// their retention setting.
func New(retention map[string]int) *Store {
	s := &Store{nodes: make(map[string]*buffer, len(retention))}
	for id, r := range retention {
		s.nodes[id] = &buffer{retention: r}
	}
	return s
}

func (s *Store) buffer(node string) *buffer {
	s.mu.RLock()
	b, ok := s.nodes[node]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.nodes[node]; !ok {
		b = &buffer{retention: api.RetainAll}
		s.nodes[node] = b
	}
	return b
}

// Deliver stamps msg with the next sequence number of node and stores it.
// It returns the stamped copy.
func (s *Store) Deliver(node string, msg api.Message, d Delivery) api.Message {
	b := s.buffer(node)
	b.mu.Lock()
	defer b.mu.Unlock()

	if d.Clear {
		b.kept = nil
		b.transient = nil
	}
	b.seq++
	stamped := msg.Clone()
	stamped.Seq = b.seq

	if !d.Keep {
		b.transient = append(b.transient, stamped)
		return stamped
	}
	b.kept = append(b.kept, stamped)
	if b.retention > 0 && len(b.kept) > b.retention {
		drop := len(b.kept) - b.retention
		b.kept = append([]api.Message(nil), b.kept[drop:]...)
	}
	return stamped
}

// Clear empties the buffer of node, including messages not yet consumed by
// a round.
func (s *Store) Clear(node string) {
	b := s.buffer(node)
	b.mu.Lock()
	b.kept = nil
	b.transient = nil
	b.mu.Unlock()
}

// Replace overwrites the retained buffer of node. Sequence numbers of msgs
// are kept; the node's counter advances past the highest one.
func (s *Store) Replace(node string, msgs []api.Message) {
	b := s.buffer(node)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kept = cloneAll(msgs)
	for _, m := range msgs {
		if m.Seq > b.seq {
			b.seq = m.Seq
		}
	}
}

// Close captures the effective input of node's round: retained and
// transient messages merged in sequence order. Transient messages are
// consumed; with retention 0 the retained buffer is emptied too.
func (s *Store) Close(node string) []api.Message {
	b := s.buffer(node)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := merge(b.kept, b.transient)
	b.transient = nil
	if b.retention == 0 {
		b.kept = nil
	}
	return out
}

// Peek returns the effective input node would see if its round closed now.
func (s *Store) Peek(node string) []api.Message {
	b := s.buffer(node)
	b.mu.Lock()
	defer b.mu.Unlock()
	return merge(b.kept, b.transient)
}

// Len returns the number of retained messages of node.
func (s *Store) Len(node string) int {
	b := s.buffer(node)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.kept)
}

// State is a deep copy of every buffer.
type State struct {
	Kept      map[string][]api.Message
	Transient map[string][]api.Message
	Seq       map[string]uint64
}

// Snapshot returns a deep copy of all buffers.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	nodes := maps.Clone(s.nodes)
	s.mu.RUnlock()

	st := State{
		Kept:      make(map[string][]api.Message, len(nodes)),
		Transient: make(map[string][]api.Message),
		Seq:       make(map[string]uint64, len(nodes)),
	}
	for id, b := range nodes {
		b.mu.Lock()
		if len(b.kept) > 0 {
			st.Kept[id] = cloneAll(b.kept)
		}
		if len(b.transient) > 0 {
			st.Transient[id] = cloneAll(b.transient)
		}
		st.Seq[id] = b.seq
		b.mu.Unlock()
	}
	return st
}

// Restore rebuilds a store from a snapshot.
func Restore(retention map[string]int, st State) *Store {
	s := New(retention)
	for id, msgs := range st.Kept {
		s.buffer(id).kept = cloneAll(msgs)
	}
	for id, msgs := range st.Transient {
		s.buffer(id).transient = cloneAll(msgs)
	}
	for id, seq := range st.Seq {
		s.buffer(id).seq = seq
	}
	return s
}

func merge(a, b []api.Message) []api.Message {
	out := make([]api.Message, 0, len(a)+len(b))
	out = append(out, cloneAll(a)...)
	out = append(out, cloneAll(b)...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func cloneAll(msgs []api.Message) []api.Message {
	if msgs == nil {
		return nil
	}
	out := make([]api.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
