// Package relay implements the rendezvous service that lets clients reach a
// host by its public relay username, and the dialer hosts and clients use
// to talk to it.
//
// Hosts hold a websocket on /v1/host and register a username. Clients
// connect on /v1/client, ask for a username and, once paired, exchange
// frames with that host. The relay never inspects forwarded payloads; it
// only stamps Envelope.Peer with the client's link id so the host can tell
// clients apart and route replies.
//
// A username the relay has never seen since start is reported as
// unknown_username. A username that was registered but whose host link is
// currently down is reported as server_offline.
package relay
