// Package connection implements the Connection Manager and the Reconnection
// Scheduler.
//
// The Manager owns exactly one streaming socket at a time:
//   - A single loop goroutine owns all connection state; socket I/O, timers and
//     public calls only post events to it
//   - On Open it resets the reconnect counter, starts the heartbeat and replays
//     every subscription held in the registry before handling anything else
//   - Unintended closes are retried with exponential backoff plus jitter, gated
//     on network connectivity and a maximum attempt count
//   - Disconnect is the single cancellation point and is idempotent
//
// Raw frames are forwarded on Messages() for the Message Dispatcher.
package connection
