// Package comm implements the request pipeline used to talk to a Redmine
// server.
//
// # Architecture
//
// Response processing is split into small Handler stages that know nothing
// about each other:
//
//   - TransportDecoder: strips gzip/deflate Content-Encoding and resolves the charset
//   - ErrorHandler: turns 401, 403, 404 and 422 responses into typed errors
//   - TextHandler / BodyHandler: read the body as charset-decoded text
//
// Stages are joined with Compose and attached to a Communicator with Fmap.
// Outbound concerns (credentials, API key, Accept-Encoding, request IDs,
// rate limiting) are Middleware functions applied in list order by
// WithMiddleware. NewPipeline wires the standard arrangement.
//
// # Usage
//
//	base := comm.NewBaseCommunicator(httpClient, comm.WithLogger(logger))
//	pipeline := comm.NewPipeline(base,
//		comm.AcceptEncoding(),
//		comm.NewAPIKeyInjector(apiKey).Apply,
//	)
//
//	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
//	body, err := comm.Send(pipeline, req, comm.BodyHandler())
//
// # Error Handling
//
// Every stage returns a value or exactly one classified error:
//
//   - TransportError: socket/I/O failure, unsupported encoding or charset
//   - FormatError: malformed HTTP exchange or unparseable error body
//   - AuthenticationError (401), AuthorizationError (403)
//   - NotFoundError (404), carrying the response body
//   - ValidationError (422), carrying the server's messages after RemapError
//
// KindOf and the IsX helpers classify an error through any wrapping.
package comm
