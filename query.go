// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"context"
)

// Query represents one logical request plus its execution parameters.
// Option setters may be chained before execution; once handed to the
// executor the value is treated as immutable. Retries that change the
// consistency level operate on a clone so the original keeps its
// parameters for diagnostics.
type Query struct {
	stmt       string
	values     []interface{}
	cons       Consistency
	pageSize   int
	pageState  []byte
	routingKey []byte
	keyspace   string
	idempotent bool
	rt         RetryPolicy
	sp         SpeculativeExecutionPolicy
	ctx        context.Context
	session    *Session
}

func (q *Query) Statement() string {
	return q.stmt
}

func (q *Query) Values() []interface{} {
	return q.values
}

// Consistency sets the consistency level for this query.
func (q *Query) Consistency(c Consistency) *Query {
	q.cons = c
	return q
}

func (q *Query) GetConsistency() Consistency {
	return q.cons
}

// PageSize will tell the coordinator to page the result with the given
// size.
func (q *Query) PageSize(n int) *Query {
	q.pageSize = n
	return q
}

// PageState sets the paging state to resume a previously paged result.
func (q *Query) PageState(state []byte) *Query {
	q.pageState = state
	return q
}

// RoutingKey sets the routing key which token aware policies use to pick
// replica coordinators.
func (q *Query) RoutingKey(key []byte) *Query {
	q.routingKey = key
	return q
}

func (q *Query) GetRoutingKey() ([]byte, error) {
	return q.routingKey, nil
}

// SetKeyspace overrides the session keyspace for this query.
func (q *Query) SetKeyspace(keyspace string) *Query {
	q.keyspace = keyspace
	return q
}

func (q *Query) Keyspace() string {
	if q.keyspace != "" {
		return q.keyspace
	}
	if q.session != nil {
		return q.session.Keyspace()
	}
	return ""
}

// Idempotent marks the query as safe to execute more than once. Only
// idempotent queries are eligible for speculative execution and for
// retries of indeterminate failures.
func (q *Query) Idempotent(value bool) *Query {
	q.idempotent = value
	return q
}

func (q *Query) IsIdempotent() bool {
	return q.idempotent
}

// RetryPolicy sets the policy to use when the query fails. When nil the
// session default applies.
func (q *Query) RetryPolicy(rt RetryPolicy) *Query {
	q.rt = rt
	return q
}

// SetSpeculativeExecutionPolicy overrides the session's speculative
// execution policy for this query.
func (q *Query) SetSpeculativeExecutionPolicy(sp SpeculativeExecutionPolicy) *Query {
	q.sp = sp
	return q
}

func (q *Query) WithContext(ctx context.Context) *Query {
	q.ctx = ctx
	return q
}

func (q *Query) Context() context.Context {
	if q.ctx == nil {
		return context.Background()
	}
	return q.ctx
}

func (q *Query) retryPolicy() RetryPolicy {
	if q.rt != nil {
		return q.rt
	}
	if q.session != nil && q.session.cfg.RetryPolicy != nil {
		return q.session.cfg.RetryPolicy
	}
	return FallthroughRetryPolicy{}
}

func (q *Query) speculativeExecutionPolicy() SpeculativeExecutionPolicy {
	if q.sp != nil {
		return q.sp
	}
	if q.session != nil && q.session.cfg.SpeculativeExecutionPolicy != nil {
		return q.session.cfg.SpeculativeExecutionPolicy
	}
	return NonSpeculativeExecution{}
}

// withConsistency clones the query with an overridden consistency level.
// The original is never mutated once execution has started.
func (q *Query) withConsistency(c Consistency) *Query {
	q2 := *q
	q2.cons = c
	return &q2
}

// Iter executes the query and returns the result.
func (q *Query) Iter() *Iter {
	if q.session == nil {
		return &Iter{err: ErrSessionClosed}
	}
	return q.session.executeQuery(q)
}

// Exec executes the query without returning any rows.
func (q *Query) Exec() error {
	return q.Iter().Close()
}

// Iter is the result of one logical request. Besides the response rows
// it carries the minimum diagnostic surface a caller needs to reason
// about partial failures: the responding coordinator, every host tried
// with its error, and the number of speculative executions launched.
type Iter struct {
	err  error
	resp *Response
	host *HostInfo

	triedHosts            map[string]error
	speculativeExecutions int
}

// Close returns the terminal error of the request, if any.
func (iter *Iter) Close() error {
	return iter.err
}

// Host returns the coordinator that produced the response.
func (iter *Iter) Host() *HostInfo {
	return iter.host
}

func (iter *Iter) Rows() [][]interface{} {
	if iter.resp == nil {
		return nil
	}
	return iter.resp.Rows
}

func (iter *Iter) Columns() []string {
	if iter.resp == nil {
		return nil
	}
	return iter.resp.Columns
}

func (iter *Iter) NumRows() int {
	return len(iter.Rows())
}

// PageState returns the paging state to resume the result on a follow-up
// query.
func (iter *Iter) PageState() []byte {
	if iter.resp == nil {
		return nil
	}
	return iter.resp.PagingState
}

// TriedHosts maps every host tried for this request to the error it
// produced. The winning host is absent.
func (iter *Iter) TriedHosts() map[string]error {
	return iter.triedHosts
}

// SpeculativeExecutions returns how many additional executions were
// launched for this request.
func (iter *Iter) SpeculativeExecutions() int {
	return iter.speculativeExecutions
}
