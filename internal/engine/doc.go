// Package engine runs the task execution loop. It claims queued tasks from
// the ledger, resolves their action handlers, acquires the shop's browser
// session, and records every attempt as a run with its evidence before
// finalizing the task. Handler timeouts are enforced with context
// deadlines.
package engine
