package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
)

const idempotencyKeyVersion = "delivery.v1"

// IdempotencyKey derives the key sent with every attempt of an event. It depends
// only on the event id and its pending key, never on the payload, so a redelivery
// after a crash carries the same key even if the payload was rebuilt.
func IdempotencyKey(e Event) string {
	h := sha256.New()
	writeField(h, idempotencyKeyVersion)
	writeField(h, strconv.FormatInt(e.ID, 10))
	writeField(h, e.AggregateType)
	writeField(h, e.AggregateID)
	writeField(h, e.EventType)

	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes each field so ("ab","c") and ("a","bc") differ.
func writeField(h hash.Hash, value string) {
	_, _ = h.Write([]byte(strconv.Itoa(len(value))))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(value))
}
