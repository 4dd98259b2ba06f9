/*
Package log provides structured logging for the Strand media driver.

Built on zerolog for zero-allocation structured logging on the hot path.
The driver conductor runs a tight duty cycle, so loggers are created once
per component and reused; per-entity child loggers carry the identifying
field (client_id, registration_id, stream_id, channel) so that every event
about an entity can be correlated without string formatting at call sites.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("conductor")
	logger.Info().Int64("correlation_id", id).Msg("Publication ready")
*/
package log
