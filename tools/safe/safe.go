package safe

import (
	"EProject/logger"
)

// Go starts a goroutine that recovers from panics so a single bad handler
// cannot take the whole gateway down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe] recovered panic: %v", r)
			}
		}()
		f()
	}()
}
