package proxy

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

// cache maps canonical query keys to raw DNS responses with an expiry.
// A single reader-writer lock guards the whole map; the sweeper and set
// take it exclusively, get takes it shared.
type cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	response  []byte
	expiresAt time.Time
}

func newCache() *cache {
	return &cache{entries: make(map[string]cacheEntry)}
}

// cacheKey derives an ID-independent, case-folded key from the Questions
// section: the lower-cased qname concatenated with the textual QTYPE, for
// each Question in order. Queries without Questions map to the empty key,
// which is never stored.
func cacheKey(m *dns.Msg) string {
	var b strings.Builder
	for _, q := range m.Question {
		b.WriteString(strings.ToLower(q.Name))
		b.WriteString(dns.Type(q.Qtype).String())
	}
	return b.String()
}

// get returns a cached response rewritten to carry the requester's
// transaction ID, or nil on a miss. Any parse failure is a miss.
func (c *cache) get(request []byte) []byte {
	q := new(dns.Msg)
	if err := q.Unpack(request); err != nil {
		return nil
	}
	if len(q.Question) == 0 {
		return nil
	}

	c.mu.RLock()
	e, ok := c.entries[cacheKey(q)]
	c.mu.RUnlock()

	if !ok || !time.Now().Before(e.expiresAt) {
		c.misses.Add(1)
		return nil
	}

	m := new(dns.Msg)
	if err := m.Unpack(e.response); err != nil {
		log.Debugf("cached response no longer parses: %v", err)
		c.misses.Add(1)
		return nil
	}
	m.Id = q.Id
	out, err := m.Pack()
	if err != nil {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return out
}

// set stores a response under the request's key, replacing any prior entry.
// Requests without Questions are not cached.
func (c *cache) set(request, response []byte, ttl time.Duration) {
	q := new(dns.Msg)
	if err := q.Unpack(request); err != nil {
		return
	}
	if len(q.Question) == 0 {
		return
	}
	e := cacheEntry{response: response, expiresAt: time.Now().Add(ttl)}

	c.mu.Lock()
	c.entries[cacheKey(q)] = e
	c.mu.Unlock()
}

// cleanup drops every expired entry and reports how many were removed.
func (c *cache) cleanup() int {
	now := time.Now()
	var removed int

	c.mu.Lock()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
