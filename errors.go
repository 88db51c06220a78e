// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Server error codes, as reported in ERROR responses.
const (
	errServer        = 0x0000
	errProtocol      = 0x000A
	errCredentials   = 0x0100
	errUnavailable   = 0x1000
	errOverloaded    = 0x1001
	errBootstrapping = 0x1002
	errTruncate      = 0x1003
	errWriteTimeout  = 0x1100
	errReadTimeout   = 0x1200
	errSyntax        = 0x2000
	errUnauthorized  = 0x2100
	errInvalid       = 0x2200
	errConfig        = 0x2300
	errAlreadyExists = 0x2400
	errUnprepared    = 0x2500
)

var (
	ErrNoConnections = errors.New("cqlexec: no connections available")
	ErrNoKeyspace    = errors.New("cqlexec: no keyspace provided")
	ErrSessionClosed = errors.New("cqlexec: session has been closed")
	ErrNoHosts       = errors.New("cqlexec: no hosts provided")

	// ErrUnknownPreparedID is returned when the server reports an
	// unprepared statement whose id was never prepared by this client.
	// This indicates a bug or a cross-client race and is never retried.
	ErrUnknownPreparedID = errors.New("cqlexec: unprepared response for a statement id unknown to this client")

	// ErrUnknownRetryType is returned when a retry policy produces a
	// decision outside the defined set.
	ErrUnknownRetryType = errors.New("cqlexec: unknown retry type returned by retry policy")
)

// RequestError is implemented by all server-reported request failures.
type RequestError interface {
	Code() int
	Message() string
	Error() string
}

type errorFrame struct {
	code    int
	message string
}

func (e errorFrame) Code() int {
	return e.code
}

func (e errorFrame) Message() string {
	return e.message
}

func (e errorFrame) Error() string {
	return e.message
}

type RequestErrUnavailable struct {
	errorFrame
	Consistency Consistency
	Required    int
	Alive       int
}

func (e *RequestErrUnavailable) String() string {
	return fmt.Sprintf("[request_error_unavailable consistency=%s required=%d alive=%d]", e.Consistency, e.Required, e.Alive)
}

type RequestErrWriteTimeout struct {
	errorFrame
	Consistency Consistency
	Received    int
	BlockFor    int
	WriteType   string
}

type RequestErrReadTimeout struct {
	errorFrame
	Consistency Consistency
	Received    int
	BlockFor    int
	DataPresent byte
}

type RequestErrUnprepared struct {
	errorFrame
	StatementId []byte
}

type RequestErrOverloaded struct {
	errorFrame
}

type RequestErrIsBootstrapping struct {
	errorFrame
}

type RequestErrTruncate struct {
	errorFrame
}

type RequestErrAlreadyExists struct {
	errorFrame
	Keyspace string
	Table    string
}

func newErrorFrame(code int, message string) errorFrame {
	return errorFrame{code: code, message: message}
}

// ConnError is a connection-level failure. RequestWritten reports whether
// the request made it onto the socket: when false the operation is
// guaranteed not applied and may be retried anywhere without consulting
// the retry policy.
type ConnError struct {
	Addr           string
	Err            error
	RequestWritten bool
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("cqlexec: connection error to %s: %v", e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// OperationTimedOutError is a client-side timeout: no response arrived
// within the configured bound. The effect of the operation on the server
// is indeterminate.
type OperationTimedOutError struct {
	Addr string
}

func (e *OperationTimedOutError) Error() string {
	return fmt.Sprintf("cqlexec: no response received from %s before timeout", e.Addr)
}

// KeyspaceMismatchError is returned when a statement must be re-prepared
// but its keyspace does not match the connection's current keyspace.
type KeyspaceMismatchError struct {
	Statement string
	Expected  string
	Actual    string
}

func (e *KeyspaceMismatchError) Error() string {
	return fmt.Sprintf("cqlexec: statement was prepared on keyspace %q, can't execute it on %q", e.Expected, e.Actual)
}

// QueryError tags an error with the coordinator that produced it and the
// statement that was being executed, so callers can tell a bad query from
// an unhealthy cluster.
type QueryError struct {
	Err       error
	Addr      string
	Statement string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%v (coordinator: %s)", e.Err, e.Addr)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// NoHostAvailableError is returned when the query plan is exhausted
// without any host producing a result. It carries every tried host's
// individual error.
type NoHostAvailableError struct {
	Errors map[string]error
}

func (e *NoHostAvailableError) Error() string {
	if len(e.Errors) == 0 {
		return "cqlexec: no host available to execute the request"
	}
	addrs := make([]string, 0, len(e.Errors))
	for addr := range e.Errors {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var sb strings.Builder
	sb.WriteString("cqlexec: all hosts tried for query failed (")
	for i, addr := range addrs {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %v", addr, e.Errors[addr])
	}
	sb.WriteString(")")
	return sb.String()
}
