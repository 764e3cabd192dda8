// Package call is the media-session engine of the call service.
//
// A Server keeps the table of active Sessions, each one a single
// bidirectional audio session with one remote peer. The signaling layer
// drives negotiation through the Server (offer, answer, remote description,
// trickled candidates) and reads connectivity changes and locally gathered
// candidates back from the per-session event stream. Audio hardware sits
// behind audio.Bridge, network egress behind the connectivity package.
//
// The process is supervised by its caller: unless heartbeats keep arriving
// the Watchdog tears every session down and exits.
package call
