// Package clock defines the time source abstraction used by the scheduler
// and alarm engine so tests can pin the current time.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}
