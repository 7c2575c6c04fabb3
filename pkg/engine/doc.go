// Package engine runs migration plans and deliveries over a derivation graph.
//
// # Overview
//
// A MigrationPlan applies one chain of migration services, its active path,
// to many candidate objects. Each candidate is a PlanItem that moves through
//
//	not_yet_started -> in_progress -> uploaded -> done
//
// or ends in one of the error statuses. A DeliveryPlan applies a path to a
// single object and hands the result to a DeliverySink, a local directory
// unless another sink is configured.
//
// # Plan lifecycle
//
//	new -> ready -> running <-> paused -> finished
//
// A plan with exactly one path is created ready. Start, Pause and Finish are
// guarded by PlanStatus.CanStart, CanPause and CanFinish; a violation returns
// an EngineError with code INVALID_TRANSITION. Finishing a finished plan and
// starting a plan with a live task do nothing.
//
// # Execution
//
// The Executor keeps at most one processing task per plan on a bounded
// Scheduler. Pause and Finish cancel the task cooperatively; a following
// Start waits for the cancelled task to exit first. Items that reached done
// are never revisited, so a restarted plan only processes what is left.
//
// # Waiting
//
// When an object cannot be fetched yet, or an asynchronous service has not
// completed, the run waits with the two-phase protocol of WaitRegistry:
//
//	SetWait(plan, key)       // before the last synchronous attempt
//	ClearWait(plan)          // the attempt succeeded
//	ConfirmWait(plan) bool   // true: a notification already arrived, go on
//
// NotifyAvailable(key) restarts the plans whose confirmed wait matches key.
// Notifications that arrive between SetWait and ConfirmWait are remembered,
// and a notification that arrives while the suspending task is still
// unwinding makes that task run again, so no wakeup is lost.
//
// # Errors
//
// Per-object failures are written to the item. Systemic failures stop the
// run; the plan stays running with LastError set until it is started again
// by Recover or paused and resumed.
package engine
