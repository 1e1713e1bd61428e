package redisx

import "time"

const (
	// Idempotent create: idem:reservation:create:{requester_id}:{idempotency_key} -> reservation_id
	KeyIdemCreate = "idem:reservation:create:%s:%s"

	// Calendar cache: calendar:{item_id}:{from}:{to} -> {"YYYY-MM-DD": n, ...}
	KeyCalendar = "calendar:%s:%s:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)
