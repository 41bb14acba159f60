// Package logging provides structured logging using uber/zap.
//
// Two modes are available:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Components take a *zap.Logger and tag it with the user and package they
// act for, so every line about an app session can be filtered by
// user_id and package.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.ForApp(userID, pkg).Info("App connected", zap.String("transport_id", id))
package logging
