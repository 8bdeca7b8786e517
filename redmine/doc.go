// Package redmine provides a client for the Redmine REST API.
//
// # Architecture
//
// The package is organized into several components:
//
//   - Client: one session, owning a connection pool, its evictor and the request pipeline
//   - Entity types: Issue, Project, User, TimeEntry and Membership
//   - Generic operations: Get, List, ListAll, Create, Update and Delete, typed by Entity
//   - Codec: JSON and XML envelopes, chosen per client with WithFormat
//
// # Usage
//
//	logger := zerolog.New(os.Stdout)
//	client, err := redmine.NewClient(
//		"https://redmine.example.com",
//		logger,
//		redmine.WithAPIKey("your-api-key"),
//		redmine.WithPool(connpool.Options{MaxConnections: 8, IdleTimeout: time.Minute}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	issues, err := redmine.ListAll[redmine.Issue](ctx, client, redmine.ListOptions{
//		Project: "my-project",
//		Filters: url.Values{"status_id": {"open"}},
//	})
//
// # Error Handling
//
// Errors come from the request pipeline in package comm:
//
//   - comm.AuthenticationError, comm.AuthorizationError for 401 and 403
//   - comm.NotFoundError for 404, comm.ValidationError for 422
//   - comm.TransportError for I/O failures and for any other non-2xx status,
//     in which case it wraps a *StatusError
//   - comm.FormatError for bodies that cannot be parsed
//
// Use comm.KindOf or the comm.IsX helpers to classify them.
package redmine
