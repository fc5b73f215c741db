package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck returns a liveness CheckFunc that fails when the
// goroutine count exceeds the threshold, catching goroutine leaks before
// they exhaust the process.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("%d goroutines, threshold %d", n, threshold)
		}
		return nil
	}
}
