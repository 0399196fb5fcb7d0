package locate

import (
	"log"
	"sort"
	"sync"
	"time"
)

// DefaultReadingWindow caps how many readings are retained per source; the
// oldest are dropped first.
const DefaultReadingWindow = 200

// Collector accumulates readings per source as they arrive from receivers
// and caches the latest located result for each source. It is the mutable
// shared state between the MQTT layer, the estimation loop and the HTTP
// endpoints.
type Collector struct {
	mu      sync.RWMutex
	window  int
	byID    map[string][]Reading
	located map[string]*LocatedSource
}

// NewCollector creates a collector with the default per-source window.
func NewCollector() *Collector {
	return &Collector{
		window:  DefaultReadingWindow,
		byID:    make(map[string][]Reading),
		located: make(map[string]*LocatedSource),
	}
}

// SetWindow adjusts the per-source reading cap. Values below 1 are ignored.
func (c *Collector) SetWindow(n int) {
	if n < 1 {
		return
	}
	c.mu.Lock()
	c.window = n
	c.mu.Unlock()
}

// Add appends a reading for its source, evicting the oldest beyond the
// window.
func (c *Collector) Add(rd Reading) {
	if rd.Timestamp.IsZero() {
		rd.Timestamp = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	list := append(c.byID[rd.SourceID], rd)
	if excess := len(list) - c.window; excess > 0 {
		list = append([]Reading(nil), list[excess:]...)
	}
	c.byID[rd.SourceID] = list
}

// Readings returns a snapshot copy of the accumulated readings for a source.
func (c *Collector) Readings(sourceID string) []Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Reading(nil), c.byID[sourceID]...)
}

// ReadingCount returns how many readings are held for a source.
func (c *Collector) ReadingCount(sourceID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID[sourceID])
}

// SourceIDs returns the IDs of all sources with at least one reading,
// sorted for stable iteration.
func (c *Collector) SourceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateLocated stores the latest located result for a source.
func (c *Collector) UpdateLocated(ls *LocatedSource) {
	if ls == nil {
		return
	}
	c.mu.Lock()
	c.located[ls.Source.ID] = ls
	c.mu.Unlock()
	log.Printf("[LOCATE] %s: position=%v inliers=%d/%d", ls.Source.ID, ls.Solution.Position, inlierCount(ls), ls.Readings)
}

// Located returns the latest result for a source, or nil.
func (c *Collector) Located(sourceID string) *LocatedSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.located[sourceID]
}

// AllLocated returns the latest result per source, sorted by source ID.
func (c *Collector) AllLocated() []*LocatedSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*LocatedSource, 0, len(c.located))
	for _, ls := range c.located {
		out = append(out, ls)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source.ID < out[j].Source.ID })
	return out
}

// Clear drops all readings and results for a source.
func (c *Collector) Clear(sourceID string) {
	c.mu.Lock()
	delete(c.byID, sourceID)
	delete(c.located, sourceID)
	c.mu.Unlock()
}

func inlierCount(ls *LocatedSource) int {
	if ls.Inliers == nil {
		return 0
	}
	return ls.Inliers.NumInliers
}
