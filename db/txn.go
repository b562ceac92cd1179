package db

import (
	"errors"
	"sync"
)

// ErrConflict is returned by Txn.Commit when a tuple this transaction read
// was published with a newer version by someone else in the meantime. Callers
// are expected to retry: re-run the operation from scratch against a fresh
// Txn, per the restart policy in spec §5 ("Ordering guarantees").
var ErrConflict = errors.New("db: write-write conflict, retry transaction")

// RelationSet bundles the named relations of the world-state (spec §6.3) and
// the single short-lived commit lock that serializes validation+publish
// across all of them, so a commit that touches several relations (e.g. a
// reparent that rewrites both ObjectParent and several ObjectPropDefs
// entries) is still atomic as a whole.
type RelationSet struct {
	commitMu sync.Mutex

	ObjectOwner         *Relation
	ObjectName          *Relation
	ObjectFlags         *Relation
	ObjectParent        *Relation // secondary indexed: parent -> children
	ObjectLocation      *Relation // secondary indexed: location -> contents
	ObjectVerbs         *Relation
	VerbProgram         *Relation
	ObjectPropDefs      *Relation
	ObjectPropertyValue *Relation
	Sequences           *Relation
}

// NewRelationSet builds the relation set with the secondary-index choices
// fixed by spec §6.3: only ObjectParent and ObjectLocation carry an inverted
// index, since those are the only two queried in the reverse direction
// (children-of, contents-of) on the hot path.
func NewRelationSet() *RelationSet {
	return &RelationSet{
		ObjectOwner:         NewRelation("ObjectOwner", false),
		ObjectName:          NewRelation("ObjectName", false),
		ObjectFlags:         NewRelation("ObjectFlags", false),
		ObjectParent:        NewRelation("ObjectParent", true),
		ObjectLocation:      NewRelation("ObjectLocation", true),
		ObjectVerbs:         NewRelation("ObjectVerbs", false),
		VerbProgram:         NewRelation("VerbProgram", false),
		ObjectPropDefs:      NewRelation("ObjectPropDefs", false),
		ObjectPropertyValue: NewRelation("ObjectPropertyValue", false),
		Sequences:           NewRelation("Sequences", false),
	}
}

type readKey struct {
	rel *Relation
	key string
}

type writeOp struct {
	key     string
	value   string
	present bool
}

// Txn is an optimistic-concurrency transaction over a RelationSet. It stages
// writes locally and only touches relation state at Commit time, after
// checking that nothing it read has changed version since the read — the
// "readers lock-free, writers stage into a write-set, commit validates under
// a short global lock" discipline from spec §5.
type Txn struct {
	set     *RelationSet
	reads   map[*Relation]map[string]uint64 // relation -> key -> version observed
	writes  map[*Relation][]writeOp
	aborted bool
}

// Begin opens a new transaction against set.
func Begin(set *RelationSet) *Txn {
	return &Txn{
		set:    set,
		reads:  make(map[*Relation]map[string]uint64),
		writes: make(map[*Relation][]writeOp),
	}
}

// Read fetches key from rel, preferring any value this transaction has
// already staged for it (read-your-own-writes), and otherwise recording the
// published version so Commit can detect a concurrent change.
func (t *Txn) Read(rel *Relation, key string) (value string, ok bool) {
	if ops, staged := t.writes[rel]; staged {
		for i := len(ops) - 1; i >= 0; i-- {
			if ops[i].key == key {
				return ops[i].value, ops[i].present
			}
		}
	}
	value, version, ok := rel.Snapshot(key)
	if t.reads[rel] == nil {
		t.reads[rel] = make(map[string]uint64)
	}
	if _, already := t.reads[rel][key]; !already {
		t.reads[rel][key] = version
	}
	return value, ok
}

// Write stages a value for key in rel, visible to later Reads in the same
// transaction but not published to other readers until Commit succeeds.
func (t *Txn) Write(rel *Relation, key, value string) {
	t.writes[rel] = append(t.writes[rel], writeOp{key: key, value: value, present: true})
}

// Delete stages a tombstone for key in rel.
func (t *Txn) Delete(rel *Relation, key string) {
	t.writes[rel] = append(t.writes[rel], writeOp{key: key, present: false})
}

// Rollback discards the transaction's staged writes. Since nothing is
// published until Commit, this is just bookkeeping.
func (t *Txn) Rollback() {
	t.aborted = true
	t.writes = nil
	t.reads = nil
}

// Commit validates the read-set against the live relations and, if nothing
// conflicts, publishes every staged write atomically. Returns ErrConflict if
// any relation entry this transaction read has since been published with a
// different version by a concurrent transaction.
func (t *Txn) Commit() error {
	if t.aborted {
		return errors.New("db: commit called on rolled-back transaction")
	}
	t.set.commitMu.Lock()
	defer t.set.commitMu.Unlock()

	for rel, keys := range t.reads {
		for key, seenVersion := range keys {
			if rel.CurrentVersion(key) != seenVersion {
				return ErrConflict
			}
		}
	}

	for rel, ops := range t.writes {
		rel.mu.Lock()
		nextVersion := rel.version
		batch := make(map[string]versionedTuple, len(ops))
		for _, op := range ops {
			nextVersion++
			batch[op.key] = versionedTuple{value: op.value, version: nextVersion, present: op.present}
		}
		rel.version = nextVersion
		rel.mu.Unlock()
		rel.publish(batch)
	}

	t.writes = nil
	t.reads = nil
	return nil
}
