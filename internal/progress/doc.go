// Package progress tracks committed transfer progress and formats
// byte sizes and durations for configuration and logs.
//
// A Tracker belongs to one transfer. The orchestrator records each
// durably acknowledged part, and anyone holding the tracker can take
// snapshots or run a logging loop:
//
//	tracker := progress.NewTracker(totalBytes)
//	go tracker.LogLoop(ctx, logger, 5*time.Second)
//
//	// after each acknowledged part
//	tracker.PartCommitted(n)
//
// Snapshots log as structured objects:
//
//	{"progress":{"bytes":1187840,"parts":2,"rate":"1.2 MiB/s","percent":"45.2%","eta":"18m 32s"}}
//
// ParseBytes accepts the size syntax used in configuration files:
// IEC suffixes are 1024-based ("256MiB"), SI suffixes 1000-based
// ("1GB"), bare numbers are bytes.
package progress
