// Package transport carries session control messages to the remote
// controller over a websocket connection.
//
// The protocol is synchronous request/reply with a single in-flight request:
// each call writes one frame and blocks until the matching reply frame
// arrives. The session core consumes the Client interface and never sees the
// wire format.
package transport
