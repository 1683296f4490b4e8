package fn

import "sync"

// FanOut runs fns concurrently and returns their results in argument order.
func FanOut[T any](fns ...func() T) []T {
	out := make([]T, len(fns))
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for i, f := range fns {
		go func() {
			defer wg.Done()
			out[i] = f()
		}()
	}
	wg.Wait()
	return out
}
