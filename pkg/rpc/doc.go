/*
Package rpc carries the management-plane traffic between peers: the
cluster lock handshake, the stage and commit phases of an operation, the
initial probe, and the volume-snapshot gossip.

The wire is gRPC with a JSON codec and a hand-built service descriptor
instead of protoc-generated stubs: the message set is small and the
decoded operation dictionary is already a string map, so a schema compiler
would only add a build step. Clients address peers by hostname and a fixed
management port, caching one connection per peer.
*/
package rpc
