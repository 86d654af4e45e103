package mcp

import (
	"sync"
	"time"
)

type seenSig struct {
	key string
	exp time.Time
}

// replayGuard remembers accepted signatures for ttl so a captured request
// cannot be resent inside the timestamp window. Entries expire in insertion
// order; past max the oldest are evicted early.
type replayGuard struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	seen  map[string]time.Time
	order []seenSig
}

func newReplayGuard(ttl time.Duration, max int) *replayGuard {
	if ttl <= 0 {
		ttl = 2 * defaultSkew
	}
	if max <= 0 {
		max = 65536
	}
	return &replayGuard{ttl: ttl, max: max, seen: map[string]time.Time{}}
}

func (g *replayGuard) allow(agentID, signature string, now time.Time) bool {
	if g == nil || signature == "" {
		return true
	}
	key := agentID + "|" + signature

	g.mu.Lock()
	defer g.mu.Unlock()
	g.expire(now)
	if exp, ok := g.seen[key]; ok && now.Before(exp) {
		return false
	}
	exp := now.Add(g.ttl)
	g.seen[key] = exp
	g.order = append(g.order, seenSig{key: key, exp: exp})
	for len(g.order) > g.max {
		g.drop(g.order[0])
		g.order = g.order[1:]
	}
	return true
}

func (g *replayGuard) expire(now time.Time) {
	n := 0
	for n < len(g.order) && !now.Before(g.order[n].exp) {
		g.drop(g.order[n])
		n++
	}
	g.order = g.order[n:]
}

// drop removes e unless the key was re-admitted with a later expiry.
func (g *replayGuard) drop(e seenSig) {
	if cur, ok := g.seen[e.key]; ok && cur.Equal(e.exp) {
		delete(g.seen, e.key)
	}
}
