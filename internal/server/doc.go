// Package server wires the sandbox service together.
//
// This package orchestrates all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (CORS, identity, metrics, rate limiting, recovery)
//   - Runtime backend selection (docker or kubernetes)
//   - Record store, image catalog, artifact store and event publisher
//   - Allocation service and stale-lease sweeper
//
// Server Lifecycle:
//  1. Load configuration from environment
//  2. Initialize logger (production or development)
//  3. Open the record store and connect to the runtime backend
//  4. Build the allocation service and start the sweeper
//  5. Setup HTTP routes and middleware
//  6. Start HTTP server
//  7. Graceful shutdown on signal, draining background teardowns
//
// Example Usage:
//
//	cfg, err := config.Load()
//	srv, err := server.New(cfg, log)
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server
