// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"context"
	"errors"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// PreparedInfo is the catalog entry for one distinct (keyspace,
// statement) pair: the server-assigned id and the result metadata.
type PreparedInfo struct {
	id        []byte
	keyspace  string
	statement string
	meta      *PreparedMetadata
}

func (p *PreparedInfo) ID() []byte {
	return p.id
}

func (p *PreparedInfo) Keyspace() string {
	return p.keyspace
}

func (p *PreparedInfo) Statement() string {
	return p.statement
}

func (p *PreparedInfo) Metadata() *PreparedMetadata {
	return p.meta
}

// inflightPrepare is the per-entry state machine: unprepared entries do
// not exist, preparing entries have an open done channel every waiter
// blocks on, prepared entries are resolved with info or err. All waiters
// are notified together by the single close.
type inflightPrepare struct {
	done chan struct{}
	info *PreparedInfo
	err  error
}

// preparedCatalog is the shared prepared statement cache, keyed by
// (keyspace, statement text) with a secondary index by server-assigned
// id for unprepared-response lookups.
type preparedCatalog struct {
	mu  sync.Mutex
	lru *lru.Cache

	idMu sync.Mutex
	byID map[string]*PreparedInfo
}

func newPreparedCatalog(maxEntries int) *preparedCatalog {
	p := &preparedCatalog{byID: make(map[string]*PreparedInfo)}
	// error only fires for a non-positive size, normalize prevents that
	p.lru, _ = lru.NewWithEvict(maxEntries, p.onEvict)
	return p
}

func (p *preparedCatalog) onEvict(key, value interface{}) {
	flight, ok := value.(*inflightPrepare)
	if !ok {
		return
	}
	select {
	case <-flight.done:
	default:
		// still preparing, no id assigned yet
		return
	}
	if flight.err == nil && flight.info != nil {
		p.idMu.Lock()
		delete(p.byID, string(flight.info.id))
		p.idMu.Unlock()
	}
}

func (p *preparedCatalog) keyFor(keyspace, statement string) string {
	return keyspace + "\x00" + statement
}

// loadOrStore returns the entry for the statement, creating a fresh
// preparing entry when none exists. The second return value reports
// whether the entry already existed; only the creator runs the prepare.
func (p *preparedCatalog) loadOrStore(keyspace, statement string) (*inflightPrepare, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := p.keyFor(keyspace, statement)
	if v, ok := p.lru.Get(key); ok {
		return v.(*inflightPrepare), true
	}
	flight := &inflightPrepare{done: make(chan struct{})}
	p.lru.Add(key, flight)
	return flight, false
}

func (p *preparedCatalog) remove(keyspace, statement string) {
	p.mu.Lock()
	p.lru.Remove(p.keyFor(keyspace, statement))
	p.mu.Unlock()
}

func (p *preparedCatalog) getPreparedInfo(keyspace, statement string) (*PreparedInfo, bool) {
	p.mu.Lock()
	v, ok := p.lru.Get(p.keyFor(keyspace, statement))
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	flight := v.(*inflightPrepare)
	select {
	case <-flight.done:
	default:
		return nil, false
	}
	if flight.err != nil {
		return nil, false
	}
	return flight.info, true
}

func (p *preparedCatalog) getPreparedByID(id []byte) (*PreparedInfo, bool) {
	p.idMu.Lock()
	info, ok := p.byID[string(id)]
	p.idMu.Unlock()
	return info, ok
}

func (p *preparedCatalog) setPreparedByID(info *PreparedInfo) {
	p.idMu.Lock()
	p.byID[string(info.id)] = info
	p.idMu.Unlock()
}

// allPrepared returns every resolved entry in the catalog.
func (p *preparedCatalog) allPrepared() []*PreparedInfo {
	p.mu.Lock()
	keys := p.lru.Keys()
	flights := make([]*inflightPrepare, 0, len(keys))
	for _, key := range keys {
		if v, ok := p.lru.Peek(key); ok {
			flights = append(flights, v.(*inflightPrepare))
		}
	}
	p.mu.Unlock()

	infos := make([]*PreparedInfo, 0, len(flights))
	for _, flight := range flights {
		select {
		case <-flight.done:
		default:
			continue
		}
		if flight.err == nil && flight.info != nil {
			infos = append(infos, flight.info)
		}
	}
	return infos
}

// prepareHandler resolves statements to prepared ids, coordinating the
// prepare flow across hosts. At most one PREPARE per distinct statement
// is in flight at a time; concurrent callers attach to it.
type prepareHandler struct {
	session *Session
	catalog *preparedCatalog
	logger  internalLogger
}

// getPrepared returns the prepared info for the statement, preparing it
// on the fly when unknown. All concurrent callers for the same statement
// share one wire-level PREPARE and receive the same outcome.
func (p *prepareHandler) getPrepared(ctx context.Context, keyspace, statement string) (*PreparedInfo, error) {
	flight, loaded := p.catalog.loadOrStore(keyspace, statement)
	if loaded {
		select {
		case <-flight.done:
			return flight.info, flight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	info, coordinator, err := p.prepareOnPlan(ctx, keyspace, statement)
	if err == nil {
		p.catalog.setPreparedByID(info)
		if !p.session.cfg.DisablePrepareOnAllHosts {
			p.prepareOnAllHosts(ctx, info, coordinator)
		}
	}

	flight.info, flight.err = info, err
	close(flight.done)

	// failed entries are removed so a later call can try again
	if err != nil {
		p.catalog.remove(keyspace, statement)
	}
	return info, err
}

// getPreparedMultiple prepares a batch of statements, preserving input
// order in the output. The first hard error fails the whole batch;
// socket errors and timeouts already failed over inside getPrepared.
func (p *prepareHandler) getPreparedMultiple(ctx context.Context, keyspace string, statements []string) ([]*PreparedInfo, error) {
	infos := make([]*PreparedInfo, len(statements))
	for i, statement := range statements {
		info, err := p.getPrepared(ctx, keyspace, statement)
		if err != nil {
			return nil, err
		}
		infos[i] = info
	}
	return infos, nil
}

// prepareOnPlan issues the PREPARE against hosts from a fresh query
// plan. Socket errors and client-side timeouts record the host as tried
// and fail over; any other error fails every waiter.
func (p *prepareHandler) prepareOnPlan(ctx context.Context, keyspace, statement string) (*PreparedInfo, *HostInfo, error) {
	plan := p.session.policy.Pick(nil)
	tried := make(map[string]error)

	for {
		selected := plan()
		if selected == nil {
			return nil, nil, &NoHostAvailableError{Errors: tried}
		}
		host := selected.Info()
		if host == nil || !host.IsUp() {
			continue
		}

		conn, err := p.session.cfg.ConnProvider.Borrow(host, keyspace, nil)
		if err != nil {
			tried[host.HostAddr()] = err
			continue
		}

		resp, err := conn.PrepareOnce(ctx, statement)
		if err != nil {
			if isHostFailoverError(err) {
				tried[host.HostAddr()] = err
				selected.Mark(err)
				continue
			}
			return nil, nil, &QueryError{Err: err, Addr: conn.Address(), Statement: statement}
		}

		return &PreparedInfo{
			id:        resp.PreparedID,
			keyspace:  keyspace,
			statement: statement,
			meta:      resp.PreparedMeta,
		}, host, nil
	}
}

func isHostFailoverError(err error) bool {
	var connErr *ConnError
	if errors.As(err, &connErr) {
		return true
	}
	var timedOut *OperationTimedOutError
	return errors.As(err, &timedOut)
}

// prepareOnAllHosts fans the PREPARE out to every host other than the
// coordinator so their caches are warm before waiters are released.
// Best effort: errors are logged, never propagated.
func (p *prepareHandler) prepareOnAllHosts(ctx context.Context, info *PreparedInfo, coordinator *HostInfo) {
	for _, host := range p.session.ring.allHosts() {
		if !host.IsUp() {
			continue
		}
		if coordinator != nil && host.HostID() == coordinator.HostID() {
			continue
		}
		conn, err := p.session.cfg.ConnProvider.Borrow(host, info.keyspace, nil)
		if err != nil {
			p.logger.Debug("cqlexec: unable to borrow connection to prepare statement",
				NewLogField("host", host.HostAddr()),
				NewLogField("error", err.Error()))
			continue
		}
		if _, err := conn.PrepareOnce(ctx, info.statement); err != nil {
			p.logger.Warning("cqlexec: unable to prepare statement on host",
				NewLogField("host", host.HostAddr()),
				NewLogField("error", err.Error()))
		}
	}
}

// prepareAllQueries replays every previously prepared statement against
// a newly joined host so its prepared-statement cache is warm. Grouped
// by keyspace; statements with no keyspace form a final global group.
// Best effort: failures are logged and skipped.
func (p *prepareHandler) prepareAllQueries(ctx context.Context, host *HostInfo) {
	byKeyspace := make(map[string][]*PreparedInfo)
	for _, info := range p.catalog.allPrepared() {
		byKeyspace[info.keyspace] = append(byKeyspace[info.keyspace], info)
	}

	keyspaces := make([]string, 0, len(byKeyspace))
	hasGlobal := false
	for keyspace := range byKeyspace {
		if keyspace == "" {
			hasGlobal = true
			continue
		}
		keyspaces = append(keyspaces, keyspace)
	}
	sort.Strings(keyspaces)
	if hasGlobal {
		keyspaces = append(keyspaces, "")
	}

	for _, keyspace := range keyspaces {
		conn, err := p.session.cfg.ConnProvider.Borrow(host, keyspace, nil)
		if err != nil {
			p.logger.Warning("cqlexec: unable to borrow connection to replay prepared statements",
				NewLogField("host", host.HostAddr()),
				NewLogField("keyspace", keyspace),
				NewLogField("error", err.Error()))
			continue
		}
		for _, info := range byKeyspace[keyspace] {
			if _, err := conn.PrepareOnce(ctx, info.statement); err != nil {
				p.logger.Warning("cqlexec: unable to replay prepared statement on host",
					NewLogField("host", host.HostAddr()),
					NewLogField("error", err.Error()))
			}
		}
	}
}
