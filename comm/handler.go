package comm

// Handler transforms content of type In into content of type Out, or fails
// with a classified error. Handlers hold no per-request state and may be
// reused across requests and goroutines.
type Handler[In, Out any] interface {
	Handle(in In) (Out, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc[In, Out any] func(In) (Out, error)

// Handle calls f(in).
func (f HandlerFunc[In, Out]) Handle(in In) (Out, error) {
	return f(in)
}

// Identity returns a handler that passes its input through unchanged.
func Identity[K any]() Handler[K, K] {
	return HandlerFunc[K, K](func(in K) (K, error) {
		return in, nil
	})
}

// Compose returns a handler that runs inner, then outer on inner's result.
// The first error is returned as is.
func Compose[K, I, R any](outer Handler[I, R], inner Handler[K, I]) Handler[K, R] {
	return HandlerFunc[K, R](func(in K) (R, error) {
		mid, err := inner.Handle(in)
		if err != nil {
			var zero R
			return zero, err
		}
		return outer.Handle(mid)
	})
}
