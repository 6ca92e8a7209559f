package bus

import "errors"

var (
	ErrBusNotStarted   = errors.New("bus: not started")
	ErrBusShutdown     = errors.New("bus: shutdown timed out")
	ErrHandlerNil      = errors.New("bus: handler cannot be nil")
	ErrSubscriptionGone = errors.New("bus: subscription no longer exists")
)

// QueueFullError reports the router's general work queue was at capacity
// when Publish was attempted. Publishers never block; they observe this
// instead (spec §4.3 step 3, invariant "boundary behaviors").
type QueueFullError struct {
	Current int
	Max     int
}

func (e *QueueFullError) Error() string {
	return "bus: queue full"
}
