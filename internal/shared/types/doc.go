// Package types defines the shared data model for sandbox provisioning.
//
// The central type is SandboxRecord: one row per disposable execution
// environment (browser container or mobile emulator), persisted in the
// record store and used for all pool accounting. The package also carries
// the lifecycle state machine, request bodies for the HTTP surface, and
// the service error taxonomy.
package types
