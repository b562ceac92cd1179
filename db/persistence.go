package db

import "io"

// WorldStateLoader and WorldStateSaver are the interface boundary to the
// on-disk persistence format. That format (LambdaMOO/ToastStunt-style
// "textdump") is specified only at this interface: which bytes it writes
// and how it tokenizes a checkpoint is a property of the external database
// file, not of the core described here. Database (reader.go), Writer
// (writer.go) and CheckpointManager (checkpoint.go) are this codebase's own
// concrete implementation of that external format, kept so the conformance
// suite and cmd/mooverse have a real database to load, but nothing in
// eval/vm/builtins depends on their wire layout directly — they only ever
// go through Store.
type WorldStateLoader interface {
	// Load reads a full world-state snapshot and populates a fresh Store.
	Load(path string) (*Store, error)
}

type WorldStateSaver interface {
	// Save serializes the current Store to w in the external format.
	// tasks is optional (nil is valid) and, when present, is consulted
	// for in-flight forked/suspended tasks to include in the checkpoint.
	Save(w io.Writer, store *Store, tasks TaskSource) error
}

// textdumpCodec adapts the existing Database/Writer pair to the
// WorldStateLoader/Saver interfaces.
type textdumpCodec struct{}

// TextdumpCodec is the default WorldStateLoader/Saver, backed by the
// LambdaMOO-style textdump reader and writer. server.Server and
// db.CheckpointManager both load and save through it rather than calling
// LoadDatabase/Writer directly, so a future second on-disk format only
// needs a new implementation of these two interfaces.
var TextdumpCodec interface {
	WorldStateLoader
	WorldStateSaver
} = textdumpCodec{}

func (textdumpCodec) Load(path string) (*Store, error) {
	database, err := LoadDatabase(path)
	if err != nil {
		return nil, err
	}
	return database.NewStoreFromDatabase(), nil
}

func (textdumpCodec) Save(w io.Writer, store *Store, tasks TaskSource) error {
	writer := NewWriter(w, store)
	if tasks != nil {
		writer.SetTaskSource(tasks)
	}
	return writer.WriteDatabase()
}
