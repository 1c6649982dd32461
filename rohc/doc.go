// Package rohc implements the concurrency and data-plane core of a
// point-to-multipoint IP tunnel carrying IPv4 traffic between a central
// server and many remote clients over a compressed IP-in-IP transport.
//
// A control session is established over a mutually-authenticated TLS
// connection and drives a small state machine (handshake, negotiation,
// keepalive, teardown) using the length-prefixed frame format described in
// frame.go. Once a session reaches the connected state, a tunnel worker
// moves packets between a virtual network interface and a raw IPv4 socket,
// compressing and decompressing inner packets via a pluggable codec.
//
// The header-compression codec, TLS certificate handling, virtual
// interface creation and the host configuration surface are all treated as
// external collaborators and are represented here purely as interfaces.
package rohc
