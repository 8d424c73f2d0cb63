// Package dispatch drives claimed ledger rows through the event processor.
//
// Runner is shared by every path that processes a row: the async worker
// pool, the scheduler's retry driver and the synchronous intake. It bounds
// each attempt with a timeout and records the outcome on the ledger.
//
// The Dispatcher drains the durable job queue with a fixed pool of workers.
// Before processing, a worker claims the job's ledger row, so a job never
// applies a side effect the ledger already recorded.
//
// Outcome mapping:
//   - Ledger row COMPLETED → job succeeded, nothing to do
//   - Ledger row FAILED or gone → job parked as failed
//   - Ledger row busy (fresh PROCESSING) → job re-queued with backoff
//   - Handler success → row COMPLETED, job succeeded
//   - Retryable failure or timeout → row back to PENDING, job re-queued
//   - Permanent failure or retries exhausted → row FAILED, job parked
package dispatch
