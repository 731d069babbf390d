// Package mssql is a non-blocking client for the Microsoft SQL Server
// Tabular Data Stream (TDS) protocol.
//
// It speaks TDS 7.1 through 7.4 directly over TCP, with an optional
// TLS upgrade negotiated in-protocol during PRELOGIN, and exposes
// query, execute, and streaming APIs over a bounded connection pool.
//
// The package is organized the way the wire protocol layers:
//
//	codec.go / packet.go   framing and little-endian primitives
//	types.go               TDS TypeInfo and column value decoding
//	token.go               the token-stream decoder (COLMETADATA, ROW, DONE, ...)
//	prelogin.go / login.go / tls.go   the handshake state machine
//	rpc.go                 RPC parameter encoding
//	engine.go              per-connection request/response state machine
//	session.go             the public Query/Execute/Stream API
//	pool/                  the bounded connection pool
package mssql
