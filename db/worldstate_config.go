package db

import (
	"fmt"
	"mooverse/types"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapSpec describes the handful of well-known objects a fresh
// (textdump-less) database needs before a server can accept a login:
// the system object, a root class, and the generic room/player pair
// new worlds are built from. It is not a substitute for the textdump
// format; it exists so cmd/mooverse can start from nothing.
type BootstrapSpec struct {
	Objects []BootstrapObject `yaml:"objects"`
}

// BootstrapObject is one object to create while bootstrapping a database.
type BootstrapObject struct {
	ID      int     `yaml:"id"`
	Name    string  `yaml:"name"`
	Parent  *int    `yaml:"parent"`
	Wizard  bool    `yaml:"wizard"`
	Fertile bool    `yaml:"fertile"`
	Player  bool    `yaml:"player"`
}

// LoadBootstrapSpec reads a YAML bootstrap descriptor from path.
func LoadBootstrapSpec(path string) (*BootstrapSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap spec: %w", err)
	}
	var spec BootstrapSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse bootstrap spec: %w", err)
	}
	return &spec, nil
}

// NewStoreFromBootstrap builds a fresh Store from a bootstrap descriptor,
// adding objects in the order they are listed. A parent reference is not
// checked against the objects created so far.
func NewStoreFromBootstrap(spec *BootstrapSpec) (*Store, error) {
	store := NewStore()

	for _, bo := range spec.Objects {
		id := types.ObjID(bo.ID)
		flags := FlagRead | FlagWrite
		if bo.Wizard {
			flags |= FlagWizard | FlagProgrammer
		}
		if bo.Fertile {
			flags |= FlagFertile
		}
		if bo.Player {
			flags |= FlagUser
		}

		var parents []types.ObjID
		if bo.Parent != nil {
			parents = []types.ObjID{types.ObjID(*bo.Parent)}
		}

		obj := &Object{
			ID:         id,
			Name:       bo.Name,
			Owner:      id,
			Parents:    parents,
			Location:   types.NOTHING,
			Flags:      flags,
			Properties: make(map[string]*Property),
			Verbs:      make(map[string]*Verb),
		}
		if err := store.Add(obj); err != nil {
			return nil, fmt.Errorf("bootstrap object #%d: %w", bo.ID, err)
		}
	}

	return store, nil
}
