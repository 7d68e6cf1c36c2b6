// Package queue is the Reindex Queue: a category -> handler registry that
// dispatches published jobs and resolves each job's result future.
//
// Two dispatchers share the Job and Handler types:
//
//   - Queue is the in-process cooperative queue. Publishes are coalesced on
//     a debounce boundary into a single in-flight drain; a drain runs at
//     most Workers handlers at a time. Jobs whose category has no handler
//     are retained and run once a handler registers.
//   - Runner is the durable worker over the store's jobs and
//     job_reservations tables. Any number of runners in any number of
//     processes may poll the same tables; a reservation guarantees at most
//     one active worker per job. DurablePublisher inserts jobs and resolves
//     their futures by polling for finished rows.
//
// Every handler invocation races a per-category timeout. A handler that
// exceeds it rejects the job with *TimeoutError; the worker keeps running.
package queue
