package db

import (
	"mooverse/types"
	"testing"
)

func TestNewStoreFromBootstrap(t *testing.T) {
	parent := 0
	spec := &BootstrapSpec{
		Objects: []BootstrapObject{
			{ID: 0, Name: "System Object", Wizard: true, Fertile: true},
			{ID: 1, Name: "Root Class", Parent: &parent, Fertile: true},
		},
	}

	store, err := NewStoreFromBootstrap(spec)
	if err != nil {
		t.Fatalf("NewStoreFromBootstrap() failed: %v", err)
	}

	sys := store.Get(types.ObjID(0))
	if sys == nil {
		t.Fatalf("expected #0 to exist")
	}
	if !sys.Flags.Has(FlagWizard) {
		t.Errorf("#0 should be a wizard")
	}

	root := store.Get(types.ObjID(1))
	if root == nil {
		t.Fatalf("expected #1 to exist")
	}
	if len(root.Parents) != 1 || root.Parents[0] != types.ObjID(0) {
		t.Errorf("#1.Parents = %v, want [#0]", root.Parents)
	}
}

func TestNewStoreFromBootstrapDuplicateID(t *testing.T) {
	spec := &BootstrapSpec{
		Objects: []BootstrapObject{
			{ID: 0, Name: "A"},
			{ID: 0, Name: "B"},
		},
	}

	if _, err := NewStoreFromBootstrap(spec); err == nil {
		t.Errorf("expected error for duplicate bootstrap object id")
	}
}
