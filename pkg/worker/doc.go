// Package worker drives graph runs from a task queue.
//
// A Worker leases tasks from a taskqueue.Queue and applies them to an
// api.Engine. Four task types exist:
//
//   - start-run starts a run of a registered graph
//   - resolve-gate supplies the decision for a gate of a waiting run
//   - cancel-run cancels a live run
//   - resume-run resumes a FAILED or CANCELLED run from its snapshot
//
// Each task returns once the affected run has settled, meaning it is
// terminal or waiting on a gate. While a task is processed its lease is
// renewed on a heartbeat, so other workers on the same queue never see it.
//
// # Retries
//
// Engine errors that a retry cannot fix (unknown graph, unknown run, a gate
// that is no longer pending) drop the task and are returned from
// ProcessOne. Other errors put the task back with exponential backoff until
// Config.MaxAttempts is reached. A run that ends FAILED is not a task
// failure: enqueue a resume-run task once the cause is fixed.
//
// # Gate timeouts
//
// With Config.GateTimeout set, a settled run that waits on gates gets one
// delayed resolve-gate task per gate carrying Config.TimeoutToken. If a real
// decision arrives first the timeout task is dropped silently.
package worker
