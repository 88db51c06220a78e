// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"context"
	"time"
)

// Conn is the contract the transport layer provides for a single
// connection to a node. The request execution core never touches sockets
// or frames; it consumes already-decoded responses and errors.
type Conn interface {
	// SendStream transmits one request and blocks until the decoded
	// response arrives, the context is cancelled, or the client-side
	// timeout elapses. Errors are drawn from the taxonomy in errors.go:
	// *ConnError for socket failures, *OperationTimedOutError for
	// client-side timeouts, Request* types for server-reported failures.
	SendStream(ctx context.Context, qry *Query) (*Response, error)

	// PrepareOnce issues a PREPARE for the statement text. Concurrent
	// calls for the same text on the same connection must coalesce into
	// a single request on the wire.
	PrepareOnce(ctx context.Context, stmt string) (*Response, error)

	// Keyspace the connection is currently bound to.
	Keyspace() string

	// Address returns the host:port of the remote endpoint.
	Address() string

	Close()
}

// ConnProvider owns the per-host connection pools. Implemented by the
// connection/pooling layer.
type ConnProvider interface {
	// Borrow returns a live connection to host, preferring one other
	// than exclude when it is non-nil. It fails when the host has no
	// usable connections.
	Borrow(host *HostInfo, keyspace string, exclude Conn) (Conn, error)

	// Evict removes a connection that suffered a socket error from its
	// host's pool.
	Evict(host *HostInfo, conn Conn)

	// CheckHealth triggers a health check of the connection after a
	// client-side operation timeout.
	CheckHealth(host *HostInfo, conn Conn)
}

// ResponseKind discriminates the decoded result frames the core needs to
// interpret.
type ResponseKind int

const (
	ResponseVoid ResponseKind = iota
	ResponseRows
	ResponseSetKeyspace
	ResponsePrepared
	ResponseSchemaChange
)

// PreparedMetadata is the result metadata attached to a prepared
// statement.
type PreparedMetadata struct {
	ColumnNames []string
}

// Response is one already-decoded server response handed over by the
// transport layer.
type Response struct {
	Kind ResponseKind

	// Rows and Columns are set for ResponseRows. Values are opaque to
	// the core; decoding them is the codec layer's job.
	Rows    [][]interface{}
	Columns []string

	// PagingState is returned when more pages are available.
	PagingState []byte

	// Keyspace is set for ResponseSetKeyspace: the session's active
	// keyspace changed.
	Keyspace string

	// PreparedID and PreparedMeta are set for ResponsePrepared.
	PreparedID   []byte
	PreparedMeta *PreparedMetadata
}

// ConnConfig is passed through to the transport layer when it dials
// connections on the core's behalf.
type ConnConfig struct {
	ProtoVersion int
	Timeout      time.Duration
	Compressor   Compressor
}
