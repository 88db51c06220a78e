// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// queryExecutor routes one logical request to a coordinator, executes it
// over a borrowed connection and drives retries, failover and
// speculative executions.
type queryExecutor struct {
	session  *Session
	provider ConnProvider
	policy   HostSelectionPolicy
	logger   internalLogger

	// maxRetryCount bounds the retry chain of a single execution even
	// when the retry policy keeps returning retry decisions.
	maxRetryCount int
}

func (q *queryExecutor) executeQuery(qry *Query) *Iter {
	handler := &requestHandler{
		executor:   q,
		qry:        qry,
		nextHost:   q.policy.Pick(qry),
		triedHosts: make(map[string]error),
	}

	ctx := qry.Context()

	// only idempotent queries may be raced against themselves
	sp := qry.speculativeExecutionPolicy()
	if !qry.IsIdempotent() || sp.Attempts() == 0 {
		exec := &requestExecution{handler: handler, qry: qry}
		return exec.run(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan *Iter, 1)

	// Launch the main execution
	go handler.runExecution(ctx, results)

	// The speculative executions are launched _in addition_ to the main
	// execution, on a timer.
	if iter := q.speculate(ctx, handler, sp, results); iter != nil {
		return iter
	}

	select {
	case iter := <-results:
		return iter
	case <-ctx.Done():
		return &Iter{err: ctx.Err()}
	}
}

func (q *queryExecutor) speculate(ctx context.Context, handler *requestHandler, sp SpeculativeExecutionPolicy, results chan *Iter) *Iter {
	ticker := time.NewTicker(sp.Delay())
	defer ticker.Stop()

	for i := 0; i < sp.Attempts(); i++ {
		select {
		case <-ticker.C:
			atomic.AddInt32(&handler.speculativeExecutions, 1)
			go handler.runExecution(ctx, results)
		case <-ctx.Done():
			return &Iter{err: ctx.Err()}
		case iter := <-results:
			return iter
		}
	}

	return nil
}

func (q *queryExecutor) awaitSchemaAgreement(ctx context.Context) {
	wait := q.session.cfg.WaitForSchemaAgreement
	if wait == nil {
		return
	}
	if err := wait(ctx); err != nil {
		q.logger.Warning("cqlexec: error waiting for schema agreement",
			NewLogField("error", err.Error()))
	}
}

// requestHandler owns the lifecycle of one client-level execution: the
// immutable request, the single-use query plan, the tried-host
// bookkeeping shared by all executions, and the executions racing for
// completion. Exactly one execution wins; the results channel guarded by
// the context makes parent-level completion idempotent.
type requestHandler struct {
	executor *queryExecutor
	qry      *Query

	mu         sync.Mutex
	nextHost   NextHost
	triedHosts map[string]error

	speculativeExecutions int32
}

func (h *requestHandler) runExecution(ctx context.Context, results chan<- *Iter) {
	exec := &requestExecution{handler: h, qry: h.qry}
	select {
	case results <- exec.run(ctx):
	case <-ctx.Done():
		exec.cancel()
	}
}

// next pulls the next host from the query plan. Plan iterators capture
// mutable state, so access is serialized across concurrent executions.
func (h *requestHandler) next() SelectedHost {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nextHost == nil {
		return nil
	}
	return h.nextHost()
}

func (h *requestHandler) recordError(host *HostInfo, err error) {
	h.mu.Lock()
	h.triedHosts[host.HostAddr()] = err
	h.mu.Unlock()
}

func (h *requestHandler) triedSnapshot() map[string]error {
	h.mu.Lock()
	defer h.mu.Unlock()
	tried := make(map[string]error, len(h.triedHosts))
	for addr, err := range h.triedHosts {
		tried[addr] = err
	}
	return tried
}

func (h *requestHandler) speculativeCount() int {
	return int(atomic.LoadInt32(&h.speculativeExecutions))
}

// noHostAvailable is the terminal produced when the query plan is
// exhausted: a single aggregated error carrying every host's failure.
func (h *requestHandler) noHostAvailable() *Iter {
	tried := h.triedSnapshot()
	return &Iter{
		err:                   &NoHostAvailableError{Errors: tried},
		triedHosts:            tried,
		speculativeExecutions: h.speculativeCount(),
	}
}

// requestExecution is a single attempt chain against successive
// coordinators. The same execution mutates its connection and host in
// place across retries; only plan exhaustion or a terminal decision ends
// it. Cancellation is cooperative: it never un-sends a request, it makes
// every later resumption point a no-op.
type requestExecution struct {
	handler *requestHandler
	qry     *Query

	host     *HostInfo
	selected SelectedHost
	conn     Conn

	retryCount int
	cancelled  int32
}

// requestExecution implements RetryableQuery for the retry policies.
func (e *requestExecution) Attempts() int                { return e.retryCount }
func (e *requestExecution) GetConsistency() Consistency  { return e.qry.GetConsistency() }
func (e *requestExecution) IsIdempotent() bool           { return e.qry.IsIdempotent() }

func (e *requestExecution) provider() ConnProvider {
	return e.handler.executor.provider
}

// cancel is idempotent. In-flight sends are abandoned through the
// context; their eventual responses are dropped at the next resumption
// point.
func (e *requestExecution) cancel() {
	atomic.StoreInt32(&e.cancelled, 1)
}

func (e *requestExecution) checkCancelled(ctx context.Context) error {
	if atomic.LoadInt32(&e.cancelled) == 1 {
		return context.Canceled
	}
	return ctx.Err()
}

func (e *requestExecution) run(ctx context.Context) *Iter {
	for {
		if err := e.checkCancelled(ctx); err != nil {
			return &Iter{err: err}
		}

		if e.conn == nil {
			selected := e.handler.next()
			if selected == nil {
				return e.handler.noHostAvailable()
			}
			host := selected.Info()
			if host == nil || !host.IsUp() {
				continue
			}
			conn, err := e.provider().Borrow(host, e.qry.Keyspace(), nil)
			if err != nil {
				e.handler.recordError(host, err)
				selected.Mark(err)
				continue
			}
			e.selected, e.host, e.conn = selected, host, conn
		}

		iter, done := e.attempt(ctx)
		if done {
			return iter
		}
	}
}

// attempt sends the request once over the current connection and
// interprets the outcome. done=false means the run loop should continue:
// either on the current connection (re-prepare, same-host retry with a
// fresh connection) or on the next host (e.conn cleared).
func (e *requestExecution) attempt(ctx context.Context) (*Iter, bool) {
	resp, err := e.conn.SendStream(ctx, e.qry)

	// response arrived after cancellation, drop it
	if cErr := e.checkCancelled(ctx); cErr != nil {
		return &Iter{err: cErr}, true
	}

	if err == nil {
		return e.complete(ctx, resp), true
	}
	return e.handleError(ctx, err)
}

func (e *requestExecution) complete(ctx context.Context, resp *Response) *Iter {
	switch resp.Kind {
	case ResponseSetKeyspace:
		e.handler.executor.session.handleKeyspaceChange(resp.Keyspace)
	case ResponseSchemaChange:
		// hand the result to the caller only once the cluster agrees on
		// the new schema version
		e.handler.executor.awaitSchemaAgreement(ctx)
	}
	return &Iter{
		resp:                  resp,
		host:                  e.host,
		triedHosts:            e.handler.triedSnapshot(),
		speculativeExecutions: e.handler.speculativeCount(),
	}
}

func (e *requestExecution) terminal(err error) *Iter {
	return &Iter{
		err:                   err,
		host:                  e.host,
		triedHosts:            e.handler.triedSnapshot(),
		speculativeExecutions: e.handler.speculativeCount(),
	}
}

func (e *requestExecution) handleError(ctx context.Context, err error) (*Iter, bool) {
	e.handler.recordError(e.host, err)
	e.selected.Mark(err)

	qerr := &QueryError{Err: err, Addr: e.conn.Address(), Statement: e.qry.Statement()}

	if e.retryCount >= e.handler.executor.maxRetryCount {
		return e.terminal(qerr), true
	}

	// a stale prepared statement goes through re-prepare, not the retry
	// policy
	var unprepared *RequestErrUnprepared
	if errors.As(err, &unprepared) {
		return e.prepareAndRetry(ctx, unprepared.StatementId)
	}

	var connErr *ConnError
	if errors.As(err, &connErr) {
		e.provider().Evict(e.host, e.conn)
		if !connErr.RequestWritten {
			// never reached the wire, safe on any host without
			// consulting the retry policy
			return e.retry(ctx, nil, false)
		}
	}

	var timedOut *OperationTimedOutError
	if errors.As(err, &timedOut) {
		e.provider().CheckHealth(e.host, e.conn)
	}

	decision := e.decide(e.qry.retryPolicy(), err)
	switch decision.Type {
	case Rethrow:
		return e.terminal(qerr), true
	case Ignore:
		return &Iter{
			resp:                  &Response{Kind: ResponseVoid},
			host:                  e.host,
			triedHosts:            e.handler.triedSnapshot(),
			speculativeExecutions: e.handler.speculativeCount(),
		}, true
	case Retry:
		return e.retry(ctx, decision.Consistency, true)
	case RetryNextHost:
		return e.retry(ctx, decision.Consistency, false)
	default:
		return e.terminal(ErrUnknownRetryType), true
	}
}

// decide maps the error category onto the matching retry policy method.
func (e *requestExecution) decide(rt RetryPolicy, err error) RetryDecision {
	cons := e.qry.GetConsistency()

	var readTimeout *RequestErrReadTimeout
	if errors.As(err, &readTimeout) {
		return rt.OnReadTimeout(e, cons, readTimeout.Received, readTimeout.BlockFor, readTimeout.DataPresent != 0)
	}
	var writeTimeout *RequestErrWriteTimeout
	if errors.As(err, &writeTimeout) {
		return rt.OnWriteTimeout(e, cons, writeTimeout.WriteType, writeTimeout.Received, writeTimeout.BlockFor)
	}
	var unavailable *RequestErrUnavailable
	if errors.As(err, &unavailable) {
		return rt.OnUnavailable(e, cons, unavailable.Required, unavailable.Alive)
	}
	return rt.OnRequestError(e, cons, err)
}

// retry re-sends the request, on the current host when useCurrentHost is
// set and a different connection can be borrowed, otherwise on the next
// host in the plan. A consistency override clones the request.
func (e *requestExecution) retry(ctx context.Context, cons *Consistency, useCurrentHost bool) (*Iter, bool) {
	if err := e.checkCancelled(ctx); err != nil {
		return &Iter{err: err}, true
	}

	e.retryCount++

	if cons != nil && *cons != e.qry.GetConsistency() {
		e.qry = e.qry.withConsistency(*cons)
	}

	if useCurrentHost {
		// prefer a fresh connection over the one that just failed; a
		// different logical connection to the same host may behave
		// differently
		conn, err := e.provider().Borrow(e.host, e.qry.Keyspace(), e.conn)
		if err == nil {
			e.conn = conn
			return nil, false
		}
		// pool exhausted, fail over instead
	}

	e.conn = nil
	e.host = nil
	e.selected = nil
	return nil, false
}

// prepareAndRetry handles a server-reported unprepared statement: look
// the id up in the catalog, re-prepare on the current connection and
// re-send on the current host. A prepare failure moves to the next host
// to avoid a pathological loop against one misbehaving coordinator.
func (e *requestExecution) prepareAndRetry(ctx context.Context, id []byte) (*Iter, bool) {
	catalog := e.handler.executor.session.preparedCatalog()

	info, ok := catalog.getPreparedByID(id)
	if !ok {
		// the server referenced an id this client never prepared; a bug
		// or a cross-client race, never retried
		return e.terminal(&QueryError{
			Err:       fmt.Errorf("%w: %x", ErrUnknownPreparedID, id),
			Addr:      e.conn.Address(),
			Statement: e.qry.Statement(),
		}), true
	}

	if ks := info.Keyspace(); ks != "" && e.conn.Keyspace() != ks {
		return e.terminal(&KeyspaceMismatchError{
			Statement: info.Statement(),
			Expected:  ks,
			Actual:    e.conn.Keyspace(),
		}), true
	}

	_, err := e.conn.PrepareOnce(ctx, info.Statement())
	if cErr := e.checkCancelled(ctx); cErr != nil {
		return &Iter{err: cErr}, true
	}
	if err != nil {
		e.handler.recordError(e.host, err)
		return e.retry(ctx, nil, false)
	}

	e.retryCount++
	return nil, false
}
