// Package rtsp implements the per-client side of the server: a tolerant
// RTSP/1.0 request handler that answers OPTIONS, DESCRIBE, SETUP and PLAY,
// and an outbound path that interleaves RTP packets on the same TCP
// connection once the client is playing.
//
// A Session never blocks. Responses and media are queued in buffers and
// written opportunistically; the owner calls Flush when the connection
// becomes writable again. All methods must be called from a single
// goroutine.
package rtsp
