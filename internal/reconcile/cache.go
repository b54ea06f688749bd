// Package reconcile keeps a per-viewer normalized mirror of the abstracts a
// client is watching. Fan-out deltas merge by entity id, so duplicate or
// out-of-order delivery converges on the same state the server holds.
package reconcile

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"arbor/api/internal/fanout"
	"arbor/api/internal/store"
)

// Delta mirrors the mutation result shape carried on the fan-out channel.
type Delta struct {
	Op      string        `json:"op"`
	Arrows  []store.Arrow `json:"arrows"`
	Twigs   []store.Twig  `json:"twigs"`
	Deleted []store.Twig  `json:"deleted"`
	Role    *store.Role   `json:"role"`
}

type Cache struct {
	mu       sync.RWMutex
	arrows   map[string]store.Arrow
	twigs    map[string]store.Twig
	children map[string]map[string]struct{}
	roles    map[string]store.Role
}

func NewCache() *Cache {
	return &Cache{
		arrows:   make(map[string]store.Arrow),
		twigs:    make(map[string]store.Twig),
		children: make(map[string]map[string]struct{}),
		roles:    make(map[string]store.Role),
	}
}

// Seed loads a full read of an abstract into the mirror, as done on first
// open before the websocket starts delivering deltas.
func (c *Cache) Seed(arrows []store.Arrow, twigs []store.Twig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range arrows {
		c.arrows[a.ID] = a
	}
	for _, t := range twigs {
		c.upsertTwigLocked(t)
	}
}

// Apply merges one fan-out message. Applying the same message twice leaves
// the mirror unchanged.
func (c *Cache) Apply(msg fanout.Message) error {
	var delta Delta
	if err := json.Unmarshal(msg.Result, &delta); err != nil {
		return fmt.Errorf("decode %s delta: %w", msg.Op, err)
	}
	c.merge(delta)
	return nil
}

func (c *Cache) merge(delta Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range delta.Arrows {
		c.arrows[a.ID] = a
	}
	for _, t := range delta.Twigs {
		c.upsertTwigLocked(t)
	}
	for _, t := range delta.Deleted {
		c.deleteTwigLocked(t)
	}
	if delta.Role != nil {
		c.roles[delta.Role.ID] = *delta.Role
	}
}

func (c *Cache) upsertTwigLocked(t store.Twig) {
	if t.DeleteDate != nil {
		c.deleteTwigLocked(t)
		return
	}
	if prev, ok := c.twigs[t.ID]; ok && prev.ParentID != nil {
		if t.ParentID == nil || *prev.ParentID != *t.ParentID {
			delete(c.children[*prev.ParentID], t.ID)
		}
	}
	c.twigs[t.ID] = t
	if t.ParentID != nil {
		set, ok := c.children[*t.ParentID]
		if !ok {
			set = make(map[string]struct{})
			c.children[*t.ParentID] = set
		}
		set[t.ID] = struct{}{}
	}
}

func (c *Cache) deleteTwigLocked(t store.Twig) {
	prev, ok := c.twigs[t.ID]
	if ok && prev.ParentID != nil {
		delete(c.children[*prev.ParentID], t.ID)
	}
	if !ok {
		prev = t
	}
	prev.DeleteDate = t.DeleteDate
	c.twigs[t.ID] = prev
	delete(c.children, t.ID)
}

// ── reads ──

func (c *Cache) Arrow(id string) (store.Arrow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.arrows[id]
	return a, ok
}

func (c *Cache) Twig(id string) (store.Twig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.twigs[id]
	if !ok || t.DeleteDate != nil {
		return store.Twig{}, false
	}
	return t, true
}

// Twigs returns the live twigs of one abstract in insertion order.
func (c *Cache) Twigs(abstractID string) []store.Twig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []store.Twig
	for _, t := range c.twigs {
		if t.AbstractID == abstractID && t.DeleteDate == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].I < out[j].I })
	return out
}

// Descendants returns the twig plus its transitive live children, walking
// the mirrored child index.
func (c *Cache) Descendants(twigID string) []store.Twig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	root, ok := c.twigs[twigID]
	if !ok || root.DeleteDate != nil {
		return nil
	}
	out := []store.Twig{root}
	queue := []string{twigID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		childIDs := make([]string, 0, len(c.children[id]))
		for childID := range c.children[id] {
			childIDs = append(childIDs, childID)
		}
		sort.Strings(childIDs)
		for _, childID := range childIDs {
			child, ok := c.twigs[childID]
			if !ok || child.DeleteDate != nil {
				continue
			}
			out = append(out, child)
			queue = append(queue, childID)
		}
	}
	return out
}

// LinkMidpoint derives where a link twig sits from its endpoint twigs.
// Returns false when the twig is not a link or either endpoint is missing
// from the mirror.
func (c *Cache) LinkMidpoint(twigID string) (x, y int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	twig, found := c.twigs[twigID]
	if !found || twig.DeleteDate != nil {
		return 0, 0, false
	}
	detail, found := c.arrows[twig.DetailID]
	if !found || !detail.IsLink() {
		return 0, 0, false
	}
	source, ok1 := c.liveTwigByDetailLocked(twig.AbstractID, *detail.SourceID)
	target, ok2 := c.liveTwigByDetailLocked(twig.AbstractID, *detail.TargetID)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return midpoint(source.X, target.X), midpoint(source.Y, target.Y), true
}

func (c *Cache) liveTwigByDetailLocked(abstractID, detailID string) (store.Twig, bool) {
	for _, t := range c.twigs {
		if t.AbstractID == abstractID && t.DetailID == detailID && t.DeleteDate == nil {
			return t, true
		}
	}
	return store.Twig{}, false
}

// ApplyDrag shifts a twig and its mirrored subtree by a delta, the
// optimistic local counterpart of a move. The later server echo re-states
// absolute coordinates, so replaying it over this is harmless.
func (c *Cache) ApplyDrag(twigID string, dx, dy int) []store.Twig {
	subtree := c.Descendants(twigID)
	if len(subtree) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Twig, 0, len(subtree))
	for _, t := range subtree {
		current := c.twigs[t.ID]
		current.X += dx
		current.Y += dy
		c.twigs[t.ID] = current
		out = append(out, current)
	}
	return out
}

func midpoint(a, b int) int {
	return int(math.Round(float64(a+b) / 2))
}
