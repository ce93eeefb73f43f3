/*
Package log provides structured logging for brickd using zerolog.

All logs are timestamped and filterable by severity. Component loggers
(WithComponent, WithPeerID, WithVolume, WithBrick) attach context fields so
a single log line can be traced back to the peer, volume, or brick it
concerns without repeating the field at every call site.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	opLog := log.WithComponent("opsm")
	opLog.Info().Str("op", "create-volume").Msg("commit phase starting")

	log.WithVolume("gv0").Error().Err(err).Msg("stage phase failed")

Fatal logs and exits the process; it is reserved for startup failures the
daemon cannot recover from (e.g. a corrupt store directory).
*/
package log
