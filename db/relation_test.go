package db

import "testing"

func TestRelationSnapshotAndVersion(t *testing.T) {
	r := NewRelation("Test", false)

	if _, _, ok := r.Snapshot("a"); ok {
		t.Fatal("Snapshot on empty relation returned ok=true")
	}
	if v := r.CurrentVersion("a"); v != 0 {
		t.Errorf("CurrentVersion(unwritten) = %d, want 0", v)
	}

	r.publish(map[string]versionedTuple{"a": {value: "1", version: 1, present: true}})

	value, version, ok := r.Snapshot("a")
	if !ok || value != "1" || version != 1 {
		t.Errorf("Snapshot(a) = (%q, %d, %v), want (\"1\", 1, true)", value, version, ok)
	}
}

func TestRelationByCodomain(t *testing.T) {
	r := NewRelation("ObjectParent", true)

	r.publish(map[string]versionedTuple{
		"o:2": {value: "o:1", version: 1, present: true},
		"o:3": {value: "o:1", version: 2, present: true},
		"o:4": {value: "o:9", version: 3, present: true},
	})

	children := r.ByCodomain("o:1")
	if len(children) != 2 {
		t.Fatalf("ByCodomain(o:1) = %v, want 2 entries", children)
	}
	seen := map[string]bool{}
	for _, k := range children {
		seen[k] = true
	}
	if !seen["o:2"] || !seen["o:3"] {
		t.Errorf("ByCodomain(o:1) = %v, want {o:2, o:3}", children)
	}

	// Reparenting o:2 away from o:1 removes it from the inverse index.
	r.publish(map[string]versionedTuple{"o:2": {value: "o:9", version: 4, present: true}})
	children = r.ByCodomain("o:1")
	if len(children) != 1 || children[0] != "o:3" {
		t.Errorf("ByCodomain(o:1) after reparent = %v, want {o:3}", children)
	}
}

func TestRelationByCodomainPanicsWithoutIndex(t *testing.T) {
	r := NewRelation("ObjectOwner", false)
	defer func() {
		if recover() == nil {
			t.Fatal("ByCodomain on a non-indexed relation did not panic")
		}
	}()
	r.ByCodomain("whatever")
}

func TestRelationRemoveByDomainPrefix(t *testing.T) {
	r := NewRelation("ObjectPropertyValue", false)

	r.publish(map[string]versionedTuple{
		"4:o:1\x00name":  {value: "foo", version: 1, present: true},
		"4:o:1\x00color": {value: "red", version: 2, present: true},
		"4:o:2\x00name":  {value: "bar", version: 3, present: true},
	})

	r.RemoveByDomainPrefix("4:o:1\x00")

	if _, _, ok := r.Snapshot("4:o:1\x00name"); ok {
		t.Error("4:o:1\\x00name still present after RemoveByDomainPrefix")
	}
	if _, _, ok := r.Snapshot("4:o:1\x00color"); ok {
		t.Error("4:o:1\\x00color still present after RemoveByDomainPrefix")
	}
	if value, _, ok := r.Snapshot("4:o:2\x00name"); !ok || value != "bar" {
		t.Errorf("4:o:2\\x00name = (%q, %v), want (\"bar\", true) — unrelated object touched", value, ok)
	}
}

func TestRelationRemoveByDomainPrefixMaintainsInverse(t *testing.T) {
	r := NewRelation("ObjectLocation", true)

	r.publish(map[string]versionedTuple{
		"o:1": {value: "o:9", version: 1, present: true},
		"o:2": {value: "o:9", version: 2, present: true},
	})

	r.RemoveByDomainPrefix("o:1")

	contents := r.ByCodomain("o:9")
	if len(contents) != 1 || contents[0] != "o:2" {
		t.Errorf("ByCodomain(o:9) after removal = %v, want {o:2}", contents)
	}
}
