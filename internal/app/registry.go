package app

import (
	"slices"
	"sync"
	"time"

	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

type streamEntry struct {
	writer     domain.HandleID
	readers    map[domain.HandleID]struct{}
	lastActive time.Time
}

type membership struct {
	stream domain.StreamID
	role   domain.Role
}

type streamShard struct {
	mu      sync.Mutex
	streams map[domain.StreamID]*streamEntry
}

// StreamRegistry tracks the writer and readers of every stream.
//
// Lock order: handle → mu (read for per-stream work, write for vacuum) →
// shard → idxMu.
type StreamRegistry struct {
	handles handleLocks

	mu     sync.RWMutex
	shards [shardCount]*streamShard

	idxMu sync.Mutex
	index map[domain.HandleID]membership

	grace time.Duration
	now   func() time.Time
}

// VacuumedStream is a stream removed by Vacuum together with the readers it had.
type VacuumedStream struct {
	ID      domain.StreamID
	Readers []domain.HandleID
}

type RegistryStats struct {
	Streams int
	Writers int
	Readers int
}

func NewStreamRegistry(grace time.Duration) *StreamRegistry {
	r := &StreamRegistry{
		index: make(map[domain.HandleID]membership),
		grace: grace,
		now:   time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &streamShard{streams: make(map[domain.StreamID]*streamEntry)}
	}
	return r
}

func (r *StreamRegistry) shard(s domain.StreamID) *streamShard {
	return r.shards[shardOf(string(s))]
}

func (sh *streamShard) getOrCreate(s domain.StreamID, now time.Time) *streamEntry {
	e, ok := sh.streams[s]
	if !ok {
		e = &streamEntry{readers: make(map[domain.HandleID]struct{}), lastActive: now}
		sh.streams[s] = e
	}
	return e
}

// ClaimWriter makes h the writer of s, replacing and returning the previous
// writer. Readers are kept. Any other role h held is dropped first.
func (r *StreamRegistry) ClaimWriter(s domain.StreamID, h domain.HandleID) (domain.HandleID, bool, error) {
	if s == "" {
		return "", false, domain.BadRequest("stream id is empty")
	}
	defer r.handles.lock(h)()
	if m, ok := r.membershipOf(h); ok && (m.stream != s || m.role != domain.RoleWriter) {
		r.removeHandle(h)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	sh := r.shard(s)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.getOrCreate(s, r.now())
	prev := e.writer
	e.writer = h
	e.lastActive = r.now()
	delete(e.readers, h)

	r.idxMu.Lock()
	r.index[h] = membership{stream: s, role: domain.RoleWriter}
	if prev != "" && prev != h {
		if m, ok := r.index[prev]; ok && m.stream == s && m.role == domain.RoleWriter {
			delete(r.index, prev)
		}
	}
	r.idxMu.Unlock()

	replaced := prev != "" && prev != h
	if replaced {
		log.Info().Str("module", "app.registry").Str("stream_id", string(s)).
			Str("handle_id", string(h)).Str("prev_writer", string(prev)).Msg("writer replaced")
	} else {
		log.Info().Str("module", "app.registry").Str("stream_id", string(s)).
			Str("handle_id", string(h)).Msg("writer claimed")
	}
	return prev, replaced, nil
}

// AddReader registers h as a reader of s. The stream need not have a writer.
func (r *StreamRegistry) AddReader(s domain.StreamID, h domain.HandleID) error {
	if s == "" {
		return domain.BadRequest("stream id is empty")
	}
	defer r.handles.lock(h)()
	if m, ok := r.membershipOf(h); ok && (m.stream != s || m.role != domain.RoleReader) {
		r.removeHandle(h)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	sh := r.shard(s)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.getOrCreate(s, r.now())
	if _, ok := e.readers[h]; ok {
		return nil
	}
	e.readers[h] = struct{}{}

	r.idxMu.Lock()
	r.index[h] = membership{stream: s, role: domain.RoleReader}
	r.idxMu.Unlock()

	log.Info().Str("module", "app.registry").Str("stream_id", string(s)).Str("handle_id", string(h)).Msg("reader added")
	return nil
}

// RemoveHandle drops every role of h. A writer leaves its stream writer-less
// so the vacuum grace window starts. Unknown handles are a no-op.
func (r *StreamRegistry) RemoveHandle(h domain.HandleID) (domain.StreamID, bool) {
	defer r.handles.lock(h)()
	return r.removeHandle(h)
}

func (r *StreamRegistry) removeHandle(h domain.HandleID) (domain.StreamID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for {
		m, ok := r.membershipOf(h)
		if !ok {
			return "", false
		}
		sh := r.shard(m.stream)
		sh.mu.Lock()
		r.idxMu.Lock()
		cur, still := r.index[h]
		if !still || cur != m {
			// moved between the lookup and the shard lock
			r.idxMu.Unlock()
			sh.mu.Unlock()
			continue
		}
		delete(r.index, h)
		r.idxMu.Unlock()

		if e, ok := sh.streams[m.stream]; ok {
			switch m.role {
			case domain.RoleWriter:
				if e.writer == h {
					e.writer = ""
					e.lastActive = r.now()
				}
			case domain.RoleReader:
				delete(e.readers, h)
			}
		}
		sh.mu.Unlock()

		log.Info().Str("module", "app.registry").Str("stream_id", string(m.stream)).
			Str("handle_id", string(h)).Str("role", m.role.String()).Msg("handle removed")
		return m.stream, true
	}
}

func (r *StreamRegistry) membershipOf(h domain.HandleID) (membership, bool) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	m, ok := r.index[h]
	return m, ok
}

func (r *StreamRegistry) WriterOf(s domain.StreamID) (domain.HandleID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh := r.shard(s)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.streams[s]
	if !ok || e.writer == "" {
		return "", false
	}
	return e.writer, true
}

func (r *StreamRegistry) ReadersOf(s domain.StreamID) []domain.HandleID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh := r.shard(s)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.streams[s]
	if !ok {
		return nil
	}
	return sortedReaders(e)
}

// Exists reports whether s has an entry, with or without a writer.
func (r *StreamRegistry) Exists(s domain.StreamID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh := r.shard(s)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.streams[s]
	return ok
}

func (r *StreamRegistry) StreamOf(h domain.HandleID) (domain.StreamID, bool) {
	m, ok := r.membershipOf(h)
	return m.stream, ok
}

func (r *StreamRegistry) RoleOf(h domain.HandleID) domain.Role {
	m, ok := r.membershipOf(h)
	if !ok {
		return domain.RoleNone
	}
	return m.role
}

// Touch records activity on s, postponing its vacuum.
func (r *StreamRegistry) Touch(s domain.StreamID) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh := r.shard(s)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.streams[s]; ok {
		e.lastActive = r.now()
	}
}

// RemoveStream deletes s and returns who was on it.
func (r *StreamRegistry) RemoveStream(s domain.StreamID) (domain.HandleID, []domain.HandleID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh := r.shard(s)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.streams[s]
	if !ok {
		return "", nil, false
	}
	delete(sh.streams, s)
	readers := sortedReaders(e)

	r.idxMu.Lock()
	r.dropIndexLocked(s, e)
	r.idxMu.Unlock()

	log.Info().Str("module", "app.registry").Str("stream_id", string(s)).Msg("stream removed")
	return e.writer, readers, true
}

// Vacuum removes writer-less streams idle longer than the grace window.
// Readers are unregistered but not disconnected.
func (r *StreamRegistry) Vacuum(now time.Time) []VacuumedStream {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []VacuumedStream
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	for _, sh := range r.shards {
		for id, e := range sh.streams {
			if e.writer != "" || now.Sub(e.lastActive) <= r.grace {
				continue
			}
			delete(sh.streams, id)
			r.dropIndexLocked(id, e)
			out = append(out, VacuumedStream{ID: id, Readers: sortedReaders(e)})
		}
	}
	slices.SortFunc(out, func(a, b VacuumedStream) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (r *StreamRegistry) dropIndexLocked(s domain.StreamID, e *streamEntry) {
	if e.writer != "" {
		if m, ok := r.index[e.writer]; ok && m.stream == s {
			delete(r.index, e.writer)
		}
	}
	for h := range e.readers {
		if m, ok := r.index[h]; ok && m.stream == s {
			delete(r.index, h)
		}
	}
}

func (r *StreamRegistry) Snapshot() []domain.StreamInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StreamInfo
	for _, sh := range r.shards {
		for id, e := range sh.streams {
			out = append(out, domain.StreamInfo{
				ID:         id,
				Writer:     e.writer,
				Readers:    sortedReaders(e),
				LastActive: e.lastActive,
			})
		}
	}
	slices.SortFunc(out, func(a, b domain.StreamInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (r *StreamRegistry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var st RegistryStats
	for _, sh := range r.shards {
		for _, e := range sh.streams {
			st.Streams++
			if e.writer != "" {
				st.Writers++
			}
			st.Readers += len(e.readers)
		}
	}
	return st
}

func sortedReaders(e *streamEntry) []domain.HandleID {
	out := make([]domain.HandleID, 0, len(e.readers))
	for h := range e.readers {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
