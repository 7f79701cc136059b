// Package tracker is the time-tracking engine: a per-task timer state
// machine over a paginated archive of completed entries.
//
// One timer scope exists for the task itself (global) and one for each
// tracked checklist item. The engine enforces the single-active-timer
// invariant: at most one scope across the whole task is running at any
// instant, and starting any timer deterministically closes out whichever
// one was running.
//
// Every operation is one read of aggregate state followed by one write
// through the archive. There is exactly one logical writer per task in the
// intended usage, so the service takes no in-process lock; there is also
// no distributed lock, so two clients racing on the same task resolve
// last-writer-wins. That limitation is deliberate and documented rather
// than solved here.
package tracker
