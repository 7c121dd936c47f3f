// Package logging provides structured logging using uber/zap.
//
// Two modes are offered:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for human readability
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Sandbox created", zap.String("id", rec.ID))
//	logger.Error("Backend call failed", zap.Error(err))
package logging
