package app

import (
	"slices"
	"sync"

	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

type agentShard struct {
	mu      sync.Mutex
	handles map[domain.AgentID]map[domain.HandleID]struct{}
}

// AgentIndex maps agent ids to the handles they signaled from.
type AgentIndex struct {
	handles handleLocks
	shards  [shardCount]*agentShard

	idxMu  sync.Mutex
	owners map[domain.HandleID]domain.AgentID
}

func NewAgentIndex() *AgentIndex {
	ix := &AgentIndex{owners: make(map[domain.HandleID]domain.AgentID)}
	for i := range ix.shards {
		ix.shards[i] = &agentShard{handles: make(map[domain.AgentID]map[domain.HandleID]struct{})}
	}
	return ix
}

func (ix *AgentIndex) shard(a domain.AgentID) *agentShard {
	return ix.shards[shardOf(string(a))]
}

// Associate binds h to agent a, moving it from any previous agent.
func (ix *AgentIndex) Associate(a domain.AgentID, h domain.HandleID) {
	defer ix.handles.lock(h)()
	if prev, ok := ix.AgentOf(h); ok {
		if prev == a {
			return
		}
		ix.remove(h)
	}
	sh := ix.shard(a)
	sh.mu.Lock()
	set, ok := sh.handles[a]
	if !ok {
		set = make(map[domain.HandleID]struct{})
		sh.handles[a] = set
	}
	set[h] = struct{}{}
	ix.idxMu.Lock()
	ix.owners[h] = a
	ix.idxMu.Unlock()
	sh.mu.Unlock()

	log.Debug().Str("module", "app.agents").Str("agent_id", string(a)).Str("handle_id", string(h)).Msg("handle associated")
}

// Remove drops h from its agent. Unknown handles are a no-op.
func (ix *AgentIndex) Remove(h domain.HandleID) {
	defer ix.handles.lock(h)()
	ix.remove(h)
}

func (ix *AgentIndex) remove(h domain.HandleID) {
	a, ok := ix.AgentOf(h)
	if !ok {
		return
	}
	sh := ix.shard(a)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ix.idxMu.Lock()
	if cur, ok := ix.owners[h]; ok && cur == a {
		delete(ix.owners, h)
	}
	ix.idxMu.Unlock()
	if set, ok := sh.handles[a]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(sh.handles, a)
		}
	}
}

func (ix *AgentIndex) AgentOf(h domain.HandleID) (domain.AgentID, bool) {
	ix.idxMu.Lock()
	defer ix.idxMu.Unlock()
	a, ok := ix.owners[h]
	return a, ok
}

// HandlesOf returns the handles of a, sorted.
func (ix *AgentIndex) HandlesOf(a domain.AgentID) []domain.HandleID {
	sh := ix.shard(a)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.handles[a]
	out := make([]domain.HandleID, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

func (ix *AgentIndex) Count() int {
	ix.idxMu.Lock()
	defer ix.idxMu.Unlock()
	seen := make(map[domain.AgentID]struct{}, len(ix.owners))
	for _, a := range ix.owners {
		seen[a] = struct{}{}
	}
	return len(seen)
}
