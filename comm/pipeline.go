package comm

import "net/http"

// NewPipeline assembles the standard request pipeline on top of base:
//
//	chain[0] -> ... -> chain[n] -> base -> TransportDecoder -> ErrorHandler -> consumer
//
// The returned communicator hands consumers a decoded, error-checked
// response. Consumers must finish with the body before returning; it is
// released when SendRequest returns.
func NewPipeline(base Communicator[*http.Response], chain ...Middleware) Communicator[*BasicResponse] {
	decoded := Fmap(base, Compose(ErrorHandler(), TransportDecoder()))
	return WithMiddleware(decoded, chain...)
}
