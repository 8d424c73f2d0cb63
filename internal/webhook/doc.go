// Package webhook implements the provider-facing intake endpoints.
//
// Every delivery is authenticated before anything is persisted, then
// resolved against the idempotency ledger so that at-least-once delivery
// from the provider applies each event's side effect at most once.
//
// # Request Flow
//
//  1. HTTP POST arrives at a configured path
//  2. Body size checked (413 if too large, nothing persisted)
//  3. Signature header extracted (400 if missing)
//  4. HMAC-SHA256 verified in constant time (401 if invalid)
//  5. Envelope parsed for the event id (400 if missing)
//  6. Ledger consulted; terminal rows answer 200 "already processed"
//  7. Ledger row created, or the existing row claimed on a duplicate
//  8. sync endpoints process inline; async endpoints enqueue a job
//
// # Responses
//
// Every response body is {"success": bool, "message": string}. Internal
// error detail is logged, never echoed.
//
//   - 200 Webhook processed successfully / accepted for processing
//   - 200 Webhook already processed / is already being processed
//   - 400 Missing webhook signature / Missing event ID
//   - 401 Invalid webhook signature
//   - 413 Payload too large
//   - 500 Webhook processing failed
package webhook
