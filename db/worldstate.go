package db

import (
	"fmt"

	"mooverse/types"
)

// objKey encodes a single ObjID as a relation domain/codomain key.
func objKey(id types.ObjID) string {
	return fmt.Sprintf("o:%d", int64(id))
}

// compositeKey encodes a (object, uuid) composite key the way spec §4.7
// describes: length-prefixed so RemoveByDomainPrefix(objectPrefix) deletes
// every tuple for an object in one pass regardless of how many uuids follow.
func compositeKey(object types.ObjID, uuid string) string {
	prefix := objKey(object)
	return fmt.Sprintf("%d:%s\x00%s", len(prefix), prefix, uuid)
}

func compositeKeyPrefix(object types.ObjID) string {
	prefix := objKey(object)
	return fmt.Sprintf("%d:%s\x00", len(prefix), prefix)
}

// CommitParentEdge publishes obj's new parent set to the ObjectParent
// relation (and, transitively, its children-of secondary index). If called
// while a task owns an active transaction (ActiveTxn), the write is staged
// into it and validated at the task's own Commit, per spec §5's "one
// transaction per running task". Otherwise (database load, bootstrap, before
// the scheduler exists) it opens and commits its own transaction, retrying
// on ErrConflict up to a small bound — those callers have no task-level
// restart to fall back on.
func (s *Store) CommitParentEdge(obj types.ObjID, parents []types.ObjID) error {
	key := objKey(obj)
	var encoded string
	for i, p := range parents {
		if i > 0 {
			encoded += ","
		}
		encoded += objKey(p)
	}
	stage := func(txn *Txn) {
		txn.Read(s.relations.ObjectParent, key)
		if encoded == "" {
			txn.Delete(s.relations.ObjectParent, key)
		} else {
			txn.Write(s.relations.ObjectParent, key, encoded)
		}
	}
	if txn := s.ActiveTxn(); txn != nil {
		stage(txn)
		return nil
	}
	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txn := Begin(s.relations)
		stage(txn)
		if err := txn.Commit(); err == nil {
			return nil
		} else if err != ErrConflict {
			return err
		}
	}
	return ErrConflict
}

// CommitLocationEdge publishes obj's new location to the ObjectLocation
// relation, maintaining the contents-of secondary index used by contents().
// Stages into the task's active transaction when one is open; see
// CommitParentEdge.
func (s *Store) CommitLocationEdge(obj types.ObjID, location types.ObjID) error {
	key := objKey(obj)
	stage := func(txn *Txn) {
		txn.Read(s.relations.ObjectLocation, key)
		if location == types.ObjNothing {
			txn.Delete(s.relations.ObjectLocation, key)
		} else {
			txn.Write(s.relations.ObjectLocation, key, objKey(location))
		}
	}
	if txn := s.ActiveTxn(); txn != nil {
		stage(txn)
		return nil
	}
	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txn := Begin(s.relations)
		stage(txn)
		if err := txn.Commit(); err == nil {
			return nil
		} else if err != ErrConflict {
			return err
		}
	}
	return ErrConflict
}

// ChildrenOf returns the objects whose published ObjectParent tuple names
// parent, via the secondary index — O(len(result)) rather than O(all objects).
func (s *Store) ChildrenOf(parent types.ObjID) []types.ObjID {
	keys := s.relations.ObjectParent.ByCodomain(objKey(parent))
	out := make([]types.ObjID, 0, len(keys))
	for _, k := range keys {
		var id int64
		fmt.Sscanf(k, "o:%d", &id)
		out = append(out, types.ObjID(id))
	}
	return out
}

// ContentsOf returns the objects whose published ObjectLocation tuple names
// location, via the secondary index.
func (s *Store) ContentsOf(location types.ObjID) []types.ObjID {
	keys := s.relations.ObjectLocation.ByCodomain(objKey(location))
	out := make([]types.ObjID, 0, len(keys))
	for _, k := range keys {
		var id int64
		fmt.Sscanf(k, "o:%d", &id)
		out = append(out, types.ObjID(id))
	}
	return out
}

// RemoveObjectRelations drops every tuple keyed to obj from the per-object
// composite relations (VerbProgram, ObjectPropertyValue) and its own
// ObjectParent and ObjectLocation tuples, used by Recycle.
func (s *Store) RemoveObjectRelations(obj types.ObjID) {
	prefix := compositeKeyPrefix(obj)
	s.relations.VerbProgram.RemoveByDomainPrefix(prefix)
	s.relations.ObjectPropertyValue.RemoveByDomainPrefix(prefix)
	// Exact-key deletes: a prefix of "o:1" would also match "o:10", "o:11", ...
	edges := Begin(s.relations)
	edges.Delete(s.relations.ObjectParent, objKey(obj))
	edges.Delete(s.relations.ObjectLocation, objKey(obj))
	edges.Commit()
}

// CommitPropertyValue publishes a property value tuple keyed by (object,
// uuid) per spec §6.3's ObjectPropertyValue relation. The encoded value is
// opaque to the relation layer; callers pass the literal MOO representation.
// Stages into the task's active transaction when one is open; see
// CommitParentEdge.
func (s *Store) CommitPropertyValue(object types.ObjID, uuid string, literal string) error {
	if txn := s.ActiveTxn(); txn != nil {
		txn.Write(s.relations.ObjectPropertyValue, compositeKey(object, uuid), literal)
		return nil
	}
	txn := Begin(s.relations)
	txn.Write(s.relations.ObjectPropertyValue, compositeKey(object, uuid), literal)
	return txn.Commit()
}

// ClearPropertyValue removes the value tuple for (object, uuid), leaving the
// propdef itself untouched so future reads resolve through the ancestor
// chain (spec's "clear property" semantics).
func (s *Store) ClearPropertyValue(object types.ObjID, uuid string) error {
	txn := Begin(s.relations)
	txn.Delete(s.relations.ObjectPropertyValue, compositeKey(object, uuid))
	return txn.Commit()
}

// IncrementSequence bumps a named monotonic counter (e.g. "MaximumObject")
// and returns its new value. Stages into the task's active transaction when
// one is open (read-your-own-writes makes repeated calls within the same
// task see consecutive values); otherwise opens and commits its own
// transaction, retrying on ErrConflict rather than losing an update.
func (s *Store) IncrementSequence(name string) (int64, error) {
	bump := func(txn *Txn) int64 {
		current, ok := txn.Read(s.relations.Sequences, name)
		var n int64
		if ok {
			fmt.Sscanf(current, "%d", &n)
		}
		n++
		txn.Write(s.relations.Sequences, name, fmt.Sprintf("%d", n))
		return n
	}
	if txn := s.ActiveTxn(); txn != nil {
		return bump(txn), nil
	}
	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txn := Begin(s.relations)
		n := bump(txn)
		if err := txn.Commit(); err == nil {
			return n, nil
		} else if err != ErrConflict {
			return 0, err
		}
	}
	return 0, ErrConflict
}

// UpdateSequenceMax raises a named sequence to at least value, used when a
// database load or recreate() introduces an object id higher than the
// current high-water mark.
func (s *Store) UpdateSequenceMax(name string, value int64) error {
	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txn := Begin(s.relations)
		current, ok := txn.Read(s.relations.Sequences, name)
		var n int64
		if ok {
			fmt.Sscanf(current, "%d", &n)
		}
		if value <= n {
			txn.Rollback()
			return nil
		}
		txn.Write(s.relations.Sequences, name, fmt.Sprintf("%d", value))
		if err := txn.Commit(); err == nil {
			return nil
		} else if err != ErrConflict {
			return err
		}
	}
	return ErrConflict
}
