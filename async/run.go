package async

import (
	"context"
)

// Run will run a function in a goroutine, returning its result via a channel.
func Run[T any](f func() T) <-chan T {
	c := make(chan T, 1)
	go func() {
		c <- f()
	}()
	return c
}

// Interruptible runs f in a goroutine and waits for it to return. If ctx is done first, onCancel is called and f is
// still waited for, so it can finish writing whatever it was in the middle of.
func Interruptible(ctx context.Context, f func() error, onCancel func()) error {
	result := Run(f)
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if onCancel != nil {
			onCancel()
		}
		return <-result
	}
}
