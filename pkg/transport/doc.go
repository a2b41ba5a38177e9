// Package transport defines the byte-stream transport used by the client and
// server roles and provides two implementations:
//
//   - tcp: plain TCP sockets, the production transport
//   - mem: in-process streams built on net.Pipe, used by tests and single
//     process demos
//
// A transport only dials and listens. Connections are handed to the pipeline
// package, which owns framing and the read/write loops.
package transport
