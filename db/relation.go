package db

import (
	"fmt"
	"sync"
)

// Relation is a generic tuple store mapping a domain key to a codomain value,
// versioned so that transactions (see txn.go) can detect write-write conflicts
// at commit time. Keys and values are opaque byte strings; callers encode their
// own domain/codomain types (ObjID, Uuid, serialized Var, ...) into them.
//
// When secondaryIndexed is true, the relation also maintains an inverted index
// from codomain value to the set of domain keys that map to it, so that lookups
// like "children of X" (the inverse of ObjectParent) or "contents of X" (the
// inverse of ObjectLocation) run in time proportional to the result size rather
// than the size of the whole relation.
type Relation struct {
	name             string
	secondaryIndexed bool

	mu      sync.RWMutex
	tuples  map[string]versionedTuple
	inverse map[string]map[string]struct{} // codomain key -> set of domain keys
	version uint64                         // monotonic counter, advanced by Txn.Commit and RemoveByDomainPrefix
}

type versionedTuple struct {
	value   string
	version uint64
	present bool // false means "tombstone": the key was deleted at this version
}

// NewRelation creates an empty relation. secondaryIndexed requests maintenance
// of the codomain->domain inverted index described in spec §4.7.
func NewRelation(name string, secondaryIndexed bool) *Relation {
	r := &Relation{
		name:             name,
		secondaryIndexed: secondaryIndexed,
		tuples:           make(map[string]versionedTuple),
	}
	if secondaryIndexed {
		r.inverse = make(map[string]map[string]struct{})
	}
	return r
}

// Snapshot reads the current published value and version for key, without
// taking part in any transaction. Transactions should use Txn.Read instead so
// reads are captured in the read-set.
func (r *Relation) Snapshot(key string) (value string, version uint64, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, exists := r.tuples[key]
	if !exists || !t.present {
		return "", t.version, false
	}
	return t.value, t.version, true
}

// CurrentVersion returns the version last published for key (0 if the key has
// never been written), used by transactions to validate their read-set.
func (r *Relation) CurrentVersion(key string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tuples[key].version
}

// ByCodomain returns every domain key currently mapping to value, using the
// secondary index. Panics if the relation was not constructed with one, since
// that is a programming error in the caller, not a runtime condition.
func (r *Relation) ByCodomain(value string) []string {
	if !r.secondaryIndexed {
		panic(fmt.Sprintf("relation %q has no secondary index", r.name))
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.inverse[value]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// publish applies a batch of writes (and deletes, signalled by present=false)
// atomically under the relation's lock, storing each tuple with the version it
// carries. It does not change the relation's version counter: Txn.Commit
// advances that by one per staged write and stamps each tuple before calling
// publish. Called only while the Store's global commit lock is held.
func (r *Relation) publish(writes map[string]versionedTuple) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, w := range writes {
		prev, had := r.tuples[key]
		if r.secondaryIndexed {
			if had && prev.present {
				if set := r.inverse[prev.value]; set != nil {
					delete(set, key)
					if len(set) == 0 {
						delete(r.inverse, prev.value)
					}
				}
			}
			if w.present {
				set := r.inverse[w.value]
				if set == nil {
					set = make(map[string]struct{})
					r.inverse[w.value] = set
				}
				set[key] = struct{}{}
			}
		}
		r.tuples[key] = w
	}
}

// RemoveByDomainPrefix deletes every tuple whose key starts with prefix, used
// to drop all per-verb or per-property tuples belonging to a recycled object
// in one pass (the composite-key scheme in spec §4.7 concatenates object and
// uuid with a length prefix precisely so this is a cheap linear scan here).
func (r *Relation) RemoveByDomainPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.tuples {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if !t.present {
			continue
		}
		if r.secondaryIndexed {
			if set := r.inverse[t.value]; set != nil {
				delete(set, key)
				if len(set) == 0 {
					delete(r.inverse, t.value)
				}
			}
		}
		r.version++
		r.tuples[key] = versionedTuple{version: r.version, present: false}
	}
}
