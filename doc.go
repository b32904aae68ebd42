// Package delivery provides exactly-once-in-effect delivery of side effects and
// lease-based serialization of periodic jobs for stateless workers that share one
// relational store.
//
// Typical flow:
//  1. Within a business transaction, Publish an Entry through a storage-specific
//     Publisher using the same transaction. At most one pending event exists per
//     (aggregate type, aggregate id, event type); publishing again overwrites it.
//  2. Run a Processor with a storage-specific Claimer. Workers claim batches with
//     claim-and-skip selection, deliver each event with a stable idempotency key
//     and report success or a backoff retry.
//  3. Events that a caller policy gives up on are archived into a DeadLetterArchive
//     and can later be republished by a Replayer, gated by a ReplayLog so a
//     dead-lettered message is replayed at most once.
//
// Singleton runs a job on at most one replica at a time using a LeaseManager. The
// lease issues no fencing token and protects idempotent periodic work only.
//
// Backends live in the postgres, mysql and memstore packages.
package delivery
