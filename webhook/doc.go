// Package webhook delivers outbox events as HTTP POST requests.
//
// Each request carries the event payload as its JSON body and the delivery
// metadata as headers, including Idempotency-Key so receivers can deduplicate
// redeliveries. Responses are classified for the processor:
//
//	2xx                      success
//	409 Conflict             duplicate ack (already processed)
//	408, 425, 429, 5xx       transient, retried
//	other 4xx                client failure, handled by ClientFailurePolicy
//
// Transport errors, timeouts, rate limiter waits and an open circuit breaker
// are transient.
package webhook
