// Package gateway wires the coven-runs server together.
//
// # Overview
//
// The Gateway owns every long-lived component: the SQLite store, the run
// registry, the orchestrator, the credential issuer, the broadcast hub with
// its optional Redis relay, and the OpenTelemetry instruments. It serves them
// over a single HTTP listener, which is either plain TCP or a tailnet
// listener from tsnet.
//
// # HTTP API
//
//   - POST /api/credentials - Issue a one-time socket credential
//   - POST /api/projects/structure - Announce a project structure change
//   - GET /ws?credential=<id> - Open a run socket
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// The /api routes require a bearer token when auth.jwt_secret is set. The
// socket authenticates with its credential alone, and a credential is spent
// on the first upgrade attempt whether or not it was valid.
//
// # Socket Lifecycle
//
// Each accepted socket gets a session.Session. Frames are read one at a time
// and handed to the orchestrator, which answers through the session's
// multiplexer. When the read loop ends the orchestrator stops every run the
// session owns before the session is dropped.
//
// # Shutdown
//
// Shutdown stops the HTTP server, closes live sockets (hijacked connections
// outlive http.Server.Shutdown), leaves the tailnet, and then releases the
// issuer, hub, Redis client, metrics provider, and store, in that order.
package gateway
