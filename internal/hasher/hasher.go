// Package hasher normalizes article text and computes content fingerprints.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"unicode"
)

// DefaultCacheSize is the number of fingerprints kept in memory.
const DefaultCacheSize = 1000

// adMarkers are sponsor labels outlets inject into article bodies.
var adMarkers = map[string]struct{}{
	"werbung":        {},
	"anzeige":        {},
	"publireportage": {},
	"sponsored":      {},
	"publicité":      {},
	"sponsorisé":     {},
	"pubblicità":     {},
	"sponsorizzato":  {},
	"reclama":        {},
}

// Normalize lower-cases text, strips punctuation, drops ad markers and
// collapses whitespace.
func Normalize(text string) string {
	text = strings.ToLower(text)
	text = strings.Map(func(r rune) rune {
		if isWordRune(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, text)

	fields := strings.Fields(text)
	kept := fields[:0]
	for _, f := range fields {
		if _, ok := adMarkers[f]; ok {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r)
}

// Hasher computes SHA-256 fingerprints of normalized content and memoizes
// them in a bounded FIFO cache keyed by the raw content.
type Hasher struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]string
	order    []string
	next     int
}

// New creates a Hasher whose cache holds at most capacity entries.
// A non-positive capacity falls back to DefaultCacheSize.
func New(capacity int) *Hasher {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Hasher{
		capacity: capacity,
		cache:    make(map[string]string, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Hash returns the hex SHA-256 of the normalized content, or "" when there
// is nothing left to fingerprint.
func (h *Hasher) Hash(content string) string {
	if content == "" {
		return ""
	}

	h.mu.Lock()
	if v, ok := h.cache[content]; ok {
		h.mu.Unlock()
		return v
	}
	h.mu.Unlock()

	v := Sum(content)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.cache[content]; !ok {
		h.store(content, v)
	}
	return v
}

// Len reports how many fingerprints are cached.
func (h *Hasher) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cache)
}

// store must be called with mu held. Once full, the oldest key is evicted.
func (h *Hasher) store(key, value string) {
	if len(h.order) < h.capacity {
		h.order = append(h.order, key)
	} else {
		delete(h.cache, h.order[h.next])
		h.order[h.next] = key
		h.next = (h.next + 1) % h.capacity
	}
	h.cache[key] = value
}

// Sum is the uncached fingerprint of content.
func Sum(content string) string {
	normalized := Normalize(content)
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
