// Package history forwards flow history entries to notification sinks.
//
// Transition entries are persisted by the engine together with the
// transition itself and handed to Recorder.Record afterwards. Entries that
// are not tied to a transition (halts, progress) are written and forwarded by
// Recorder.AppendEntry. Delivery is retried and never fails the caller.
//
// Sinks: LogSink (zerolog), NATSSink (NATS subject per resource), MultiSink
// and MemorySink.
package history
