package msg

// Topic names
const (
	TopicOrderEvents    = "orders.events"
	TopicFillEvents     = "fills.events"
	TopicPositionEvents = "positions.events"
)
