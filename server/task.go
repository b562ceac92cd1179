package server

import (
	"log"

	"mooverse/db"
	"mooverse/task"
	"mooverse/types"
)

// maxTaskRestarts bounds how many times a fresh verb call is re-parsed and
// re-run against a new transaction after a commit conflict, per spec §5's
// restart policy. Resumed (post-suspend/post-fork) continuations are not
// eligible for restart — see runTask.
const maxTaskRestarts = 3

// runTask executes a task's code inside the one transaction it owns for its
// duration (spec §5: "each running task owns exactly one active
// transaction"). Fresh verb-call tasks (not resuming from a saved VM) that
// lose a commit-time conflict are restarted: re-parsed and re-run from
// scratch against a brand-new transaction, up to maxTaskRestarts times.
// Resumed tasks (BytecodeVM already set — a suspend or fork continuation)
// can't be safely re-run from scratch since earlier output/side effects
// already happened outside this transaction, so for those a conflict is
// logged and returned rather than retried.
func (s *Scheduler) runTask(t *task.Task) error {
	restartable := t.BytecodeVM == nil

	var lastErr error
	for attempt := 0; ; attempt++ {
		txn := s.store.BeginTaskTxn()
		lastErr = s.runTaskBody(t)
		commitErr := txn.Commit()
		s.store.EndTaskTxn()

		if commitErr == nil {
			return lastErr
		}
		if commitErr != db.ErrConflict || !restartable || attempt >= maxTaskRestarts-1 {
			log.Printf("Task %d (#%d:%s): transaction commit failed: %v", t.ID, t.This, t.VerbName, commitErr)
			return lastErr
		}

		log.Printf("Task %d (#%d:%s): commit conflict, restarting (attempt %d)", t.ID, t.This, t.VerbName, attempt+1)
		t.BytecodeVM = nil
		t.CallStack = t.CallStack[:0]
		t.Result = types.Result{}
	}
}
