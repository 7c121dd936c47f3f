// Package main is the entry point for the sandboxd server.
//
// sandboxd provisions, pools and tears down ephemeral test sandboxes
// (browser containers and mobile emulators) on top of a Docker or
// Kubernetes runtime backend.
//
// The server provides:
//   - REST API for sandbox allocation, claiming and lifecycle control
//   - A control-protocol proxy into running sandboxes
//   - A warm standby pool with admission control
//   - A stale-lease sweeper reclaiming abandoned sandboxes
//   - Prometheus metrics and structured logging
//
// Configuration:
//   - Environment variables (12-factor)
//   - Optional YAML deployment policy via POLICY_FILE
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown, draining background teardowns
package main
