package call

import "time"

type Timer interface {
	Stop() bool
}

// Scheduler serializes everything a session does onto one goroutine.
type Scheduler interface {
	// AfterFunc runs fn on the owning goroutine once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Go runs work elsewhere and then runs the continuation it returns on the owning goroutine.
	Go(work func() func())
	// Post queues fn onto the owning goroutine.
	Post(fn func())
}
