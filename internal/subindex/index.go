package subindex

import (
	"sort"
	"sync"

	"github.com/quantsignal/patterncast/internal/models"
)

// Dimension order doubles as the tie-break priority when candidate
// sets are equally small: kind beats symbol beats tier beats pattern
// name.
const (
	dimKind = iota
	dimSymbol
	dimTier
	dimPatternName
	numDims
)

// Index is the multi-dimensional reverse index from predicate values to
// client IDs. For each dimension it keeps value → client set plus a
// wildcard set for clients that accept every value on that dimension.
//
// Readers take the read lock, so Match never observes a half-applied
// subscription: Subscribe mutates all dimensions under the write lock
// and publishes them atomically at unlock.
type Index struct {
	mu   sync.RWMutex
	subs map[string]models.Predicate
	dims [numDims]dimension
}

type dimension struct {
	values   map[string]clientSet
	wildcard clientSet
}

type clientSet map[string]struct{}

// New builds an empty index.
func New() *Index {
	idx := &Index{subs: make(map[string]models.Predicate)}
	for d := range idx.dims {
		idx.dims[d] = dimension{
			values:   make(map[string]clientSet),
			wildcard: make(clientSet),
		}
	}
	return idx
}

// Subscribe installs or replaces the client's subscription.
func (idx *Index) Subscribe(clientID string, pred models.Predicate) {
	pred = pred.Normalize()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.subs[clientID]; ok {
		idx.removeLocked(clientID)
	}
	idx.subs[clientID] = pred

	idx.addDim(dimKind, clientID, pred.Kinds)
	idx.addDim(dimSymbol, clientID, pred.Symbols)
	idx.addDim(dimTier, clientID, pred.Tiers)
	idx.addDim(dimPatternName, clientID, pred.PatternNames)
}

// Unsubscribe removes the client from every dimension.
func (idx *Index) Unsubscribe(clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.subs[clientID]; !ok {
		return
	}
	idx.removeLocked(clientID)
	delete(idx.subs, clientID)
}

// Match returns the clients whose predicate admits the event,
// intersecting per-dimension candidate sets smallest-first and then
// applying the scalar confidence bound.
func (idx *Index) Match(e *models.Event) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	type candidates struct {
		dim  int
		set  clientSet
		wild clientSet
	}

	// Only dimensions the event actually carries constrain the match;
	// kind is always present.
	active := make([]candidates, 0, numDims)
	add := func(d int, value string) {
		active = append(active, candidates{dim: d, set: idx.dims[d].values[value], wild: idx.dims[d].wildcard})
	}
	add(dimKind, string(e.Kind))
	if sym := e.Symbol(); sym != "" {
		add(dimSymbol, sym)
	}
	if tier := e.TierValue(); tier != "" {
		add(dimTier, tier)
	}
	if e.Kind == models.KindPattern {
		add(dimPatternName, e.Pattern.PatternName)
	}

	sort.SliceStable(active, func(i, j int) bool {
		si := len(active[i].set) + len(active[i].wild)
		sj := len(active[j].set) + len(active[j].wild)
		if si != sj {
			return si < sj
		}
		return active[i].dim < active[j].dim
	})

	conf, hasConf := e.Confidence()

	var matched []string
	scan := func(clientID string) {
		for _, c := range active[1:] {
			if _, ok := c.set[clientID]; ok {
				continue
			}
			if _, ok := c.wild[clientID]; ok {
				continue
			}
			return
		}
		pred := idx.subs[clientID]
		if pred.MinConfidence != nil && hasConf && conf < *pred.MinConfidence {
			return
		}
		matched = append(matched, clientID)
	}

	for clientID := range active[0].set {
		scan(clientID)
	}
	for clientID := range active[0].wild {
		scan(clientID)
	}
	return matched
}

// Subscription returns the stored predicate for a client.
func (idx *Index) Subscription(clientID string) (models.Predicate, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	pred, ok := idx.subs[clientID]
	return pred, ok
}

// Count returns the number of installed subscriptions.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.subs)
}

// Healthy always holds for the in-memory index.
func (idx *Index) Healthy() bool { return true }

func (idx *Index) addDim(d int, clientID string, values []string) {
	dim := &idx.dims[d]
	if len(values) == 0 {
		dim.wildcard[clientID] = struct{}{}
		return
	}
	for _, v := range values {
		set, ok := dim.values[v]
		if !ok {
			set = make(clientSet)
			dim.values[v] = set
		}
		set[clientID] = struct{}{}
	}
}

func (idx *Index) removeLocked(clientID string) {
	pred := idx.subs[clientID]
	idx.removeDim(dimKind, clientID, pred.Kinds)
	idx.removeDim(dimSymbol, clientID, pred.Symbols)
	idx.removeDim(dimTier, clientID, pred.Tiers)
	idx.removeDim(dimPatternName, clientID, pred.PatternNames)
}

func (idx *Index) removeDim(d int, clientID string, values []string) {
	dim := &idx.dims[d]
	if len(values) == 0 {
		delete(dim.wildcard, clientID)
		return
	}
	for _, v := range values {
		if set, ok := dim.values[v]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(dim.values, v)
			}
		}
	}
}
