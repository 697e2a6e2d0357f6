// Package server hosts channels over WebSocket.
//
// A Server owns a set of endpoints. Each endpoint authorizes incoming
// connections with its handlers, and each accepted connection becomes a Client
// with its own read and write pumps, registered with the Hub. Client messages
// follow a small JSON protocol (JOIN_CHANNEL, LEAVE_CHANNEL, BROADCAST) and are
// routed to the lobbies registered on the endpoint with UseChannel.
//
// Configuration, origin checks, rate limiting, routing and HTTP handlers live
// in their own files.
package server
