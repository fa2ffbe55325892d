package bus

import "time"

// Event is a domain event published on the bus. Kind is a dot-separated
// name; the segment before the first dot is the namespace used for
// subscription filtering (e.g. "message.received", "conn.status_changed").
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
