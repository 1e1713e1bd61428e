package reservations

const (
	TopicReservationLifecycle = "reservation.lifecycle"
	TopicLateReturns          = "reservation.late-returns"
)

// TopicFor routes late-return records to their own topic so the notifier can
// subscribe to them independently.
func TopicFor(eventType string) string {
	if eventType == EventLateReturnRecorded {
		return TopicLateReturns
	}
	return TopicReservationLifecycle
}

// Partition key = reservation id, so every event of one reservation keeps its order.
func PartitionKey(reservationID string) []byte { return []byte(reservationID) }
