package similarity

import (
	"context"
	"sort"
	"sync"

	"github.com/tbourn/go-cave-backend/internal/domain"
)

// Match is one indexed fingerprint scored against a query.
type Match struct {
	Owner int
	Hash  string
	Score float64
}

// Family groups kinds whose hashes are matched by equality in a shared
// inverted map. All four quadrant kinds share one family so a tile moved to
// another quadrant still matches.
type Family int

const (
	FamilyNone Family = iota
	FamilyQuadrant
	FamilyDigest
)

// FamilyOf returns the equality family of k, or FamilyNone.
func FamilyOf(k domain.Kind) Family {
	switch {
	case k.IsQuadrant():
		return FamilyQuadrant
	case k == domain.KindImageDigest:
		return FamilyDigest
	}
	return FamilyNone
}

// Source lists every committed fingerprint; implemented by the repo layer.
type Source interface {
	AllFingerprints(ctx context.Context) ([]domain.Fingerprint, error)
}

type entry struct {
	owner int
	hash  string
}

type scopeIndex struct {
	linear map[domain.Kind][]entry
	exact  map[Family]map[string]map[int]struct{}
	owned  map[int][]domain.Fingerprint
}

func newScopeIndex() *scopeIndex {
	return &scopeIndex{
		linear: make(map[domain.Kind][]entry),
		exact:  make(map[Family]map[string]map[int]struct{}),
		owned:  make(map[int][]domain.Fingerprint),
	}
}

// Index is safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	scopes map[string]*scopeIndex
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{scopes: make(map[string]*scopeIndex)}
}

// Load replaces the index contents with every fingerprint from src.
func (ix *Index) Load(ctx context.Context, src Source) error {
	fps, err := src.AllFingerprints(ctx)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	ix.scopes = make(map[string]*scopeIndex)
	ix.mu.Unlock()
	ix.Add(fps...)
	return nil
}

// Add indexes fingerprints. A repeated (scope, owner, hash, kind) is ignored.
func (ix *Index) Add(fps ...domain.Fingerprint) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, fp := range fps {
		s := ix.scopes[fp.Scope]
		if s == nil {
			s = newScopeIndex()
			ix.scopes[fp.Scope] = s
		}
		if s.has(fp) {
			continue
		}
		s.owned[fp.Owner] = append(s.owned[fp.Owner], fp)
		if f := FamilyOf(fp.Kind); f != FamilyNone {
			m := s.exact[f]
			if m == nil {
				m = make(map[string]map[int]struct{})
				s.exact[f] = m
			}
			set := m[fp.Hash]
			if set == nil {
				set = make(map[int]struct{})
				m[fp.Hash] = set
			}
			set[fp.Owner] = struct{}{}
			continue
		}
		s.linear[fp.Kind] = append(s.linear[fp.Kind], entry{owner: fp.Owner, hash: fp.Hash})
	}
}

func (s *scopeIndex) has(fp domain.Fingerprint) bool {
	for _, o := range s.owned[fp.Owner] {
		if o.Hash == fp.Hash && o.Kind == fp.Kind {
			return true
		}
	}
	return false
}

// RemoveOwners drops every fingerprint owned by ids in scope.
func (ix *Index) RemoveOwners(scope string, ids ...int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	s := ix.scopes[scope]
	if s == nil {
		return
	}
	drop := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		for _, fp := range s.owned[id] {
			if f := FamilyOf(fp.Kind); f != FamilyNone {
				if set := s.exact[f][fp.Hash]; set != nil {
					delete(set, id)
					if len(set) == 0 {
						delete(s.exact[f], fp.Hash)
					}
				}
			}
		}
		delete(s.owned, id)
		drop[id] = struct{}{}
	}
	for k, es := range s.linear {
		kept := es[:0]
		for _, e := range es {
			if _, gone := drop[e.owner]; !gone {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.linear, k)
		} else {
			s.linear[k] = kept
		}
	}
	if len(s.owned) == 0 {
		delete(ix.scopes, scope)
	}
}

// Closest returns up to k entries of kind in scope ordered by descending
// score, then ascending owner. Entries that cannot be compared are skipped.
// k <= 0 returns every comparable entry.
func (ix *Index) Closest(scope string, kind domain.Kind, hash string, k int) []Match {
	ix.mu.RLock()
	var es []entry
	if s := ix.scopes[scope]; s != nil {
		es = append(es, s.linear[kind]...)
	}
	ix.mu.RUnlock()

	out := make([]Match, 0, len(es))
	for _, e := range es {
		score, err := Similarity(hash, e.hash)
		if err != nil {
			continue
		}
		out = append(out, Match{Owner: e.owner, Hash: e.hash, Score: score})
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].Owner < out[b].Owner
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Best returns the highest-scoring entry of kind in scope.
func (ix *Index) Best(scope string, kind domain.Kind, hash string) (Match, bool) {
	ms := ix.Closest(scope, kind, hash, 1)
	if len(ms) == 0 {
		return Match{}, false
	}
	return ms[0], true
}

// Exact returns the owners holding hash within kind's equality family,
// sorted ascending. Kinds without a family never match.
func (ix *Index) Exact(scope string, kind domain.Kind, hash string) []int {
	f := FamilyOf(kind)
	if f == FamilyNone {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := ix.scopes[scope]
	if s == nil {
		return nil
	}
	set := s.exact[f][hash]
	if len(set) == 0 {
		return nil
	}
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Owners returns the number of owners indexed in scope.
func (ix *Index) Owners(scope string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if s := ix.scopes[scope]; s != nil {
		return len(s.owned)
	}
	return 0
}

// Clusters groups owners of scope that share at least one identical
// quadrant hash. Only groups with more than one owner are returned; each
// group is sorted and groups are ordered by their smallest owner.
func (ix *Index) Clusters(scope string) [][]int {
	ix.mu.RLock()
	uf := newUnionFind()
	if s := ix.scopes[scope]; s != nil {
		for _, set := range s.exact[FamilyQuadrant] {
			first := -1
			for id := range set {
				uf.add(id)
				if first < 0 {
					first = id
					continue
				}
				uf.union(first, id)
			}
		}
	}
	ix.mu.RUnlock()
	return uf.groups()
}
