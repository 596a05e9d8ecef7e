package aggregate

// Outcome classifies what a single shard message did.
type Outcome int

const (
	// Dropped means the message could not be parsed or decoded; no state changed.
	Dropped Outcome = iota
	// Pending means the message was merged and the request still awaits shards.
	Pending
	// Delivered means the message completed its request and the answer was sent.
	Delivered
	// Duplicate means the request had already been delivered.
	Duplicate
	// Failed means resolution, notification or a consistency check failed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Dropped:
		return "dropped"
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
