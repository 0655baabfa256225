package app

import (
	"hash/fnv"
	"sync"

	"github.com/dkeye/conference/internal/domain"
)

const shardCount = 32

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// handleLocks serializes the read-evict-install sequence of one handle.
// A goroutine never holds two of them.
type handleLocks [shardCount]sync.Mutex

func (l *handleLocks) lock(h domain.HandleID) func() {
	mu := &l[shardOf(string(h))]
	mu.Lock()
	return mu.Unlock
}
