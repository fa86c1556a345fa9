// Package reactor runs the single-goroutine event loop that owns every
// client connection. Each iteration waits briefly for socket readiness,
// services accepts, reads, writes and hangups, then drains the frame
// mailbox and fans the encoded access unit out to all sessions.
package reactor
