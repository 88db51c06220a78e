// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"context"
	"net"
	"sync"
	"testing"
)

func hostOfID(id string, dc string) *HostInfo {
	return hostOfAddr(id, "10.0.0."+id, dc)
}

func hostOfAddr(id, addr, dc string) *HostInfo {
	host, err := NewHostInfo(net.ParseIP(addr), 9042)
	if err != nil {
		panic(err)
	}
	host.SetHostID(id).SetDataCenter(dc)
	host.setState(nodeUp)
	return host
}

// fakeConn scripts one connection's responses. The zero behavior is a
// void response for sends and a fixed prepared id for prepares.
type fakeConn struct {
	addr     string
	keyspace string

	mu           sync.Mutex
	sendCalls    int
	prepareCalls int
	sentCons     []Consistency
	prepared     []string
	closed       bool

	send    func(call int, ctx context.Context, qry *Query) (*Response, error)
	prepare func(call int, ctx context.Context, stmt string) (*Response, error)
}

func (c *fakeConn) SendStream(ctx context.Context, qry *Query) (*Response, error) {
	c.mu.Lock()
	c.sendCalls++
	call := c.sendCalls
	c.sentCons = append(c.sentCons, qry.GetConsistency())
	send := c.send
	c.mu.Unlock()

	if send != nil {
		return send(call, ctx, qry)
	}
	return &Response{Kind: ResponseVoid}, nil
}

func (c *fakeConn) PrepareOnce(ctx context.Context, stmt string) (*Response, error) {
	c.mu.Lock()
	c.prepareCalls++
	call := c.prepareCalls
	c.prepared = append(c.prepared, stmt)
	prepare := c.prepare
	c.mu.Unlock()

	if prepare != nil {
		return prepare(call, ctx, stmt)
	}
	return &Response{
		Kind:         ResponsePrepared,
		PreparedID:   []byte{0xCA, 0xFE},
		PreparedMeta: &PreparedMetadata{},
	}, nil
}

func (c *fakeConn) Keyspace() string { return c.keyspace }
func (c *fakeConn) Address() string  { return c.addr }

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCalls
}

func (c *fakeConn) prepares() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepareCalls
}

func (c *fakeConn) preparedStmts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prepared...)
}

func (c *fakeConn) consistencies() []Consistency {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Consistency(nil), c.sentCons...)
}

// fakeProvider hands out one scripted connection per host.
type fakeProvider struct {
	mu        sync.Mutex
	conns     map[string]*fakeConn
	borrowErr map[string]error

	borrowKeyspaces []string
	evicted         []string
	healthChecked   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		conns:     make(map[string]*fakeConn),
		borrowErr: make(map[string]error),
	}
}

func (p *fakeProvider) connFor(host *HostInfo) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := host.HostAddr()
	conn, ok := p.conns[addr]
	if !ok {
		conn = &fakeConn{addr: addr}
		p.conns[addr] = conn
	}
	return conn
}

func (p *fakeProvider) failBorrow(host *HostInfo, err error) {
	p.mu.Lock()
	p.borrowErr[host.HostAddr()] = err
	p.mu.Unlock()
}

func (p *fakeProvider) Borrow(host *HostInfo, keyspace string, exclude Conn) (Conn, error) {
	p.mu.Lock()
	p.borrowKeyspaces = append(p.borrowKeyspaces, keyspace)
	err := p.borrowErr[host.HostAddr()]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.connFor(host), nil
}

func (p *fakeProvider) Evict(host *HostInfo, conn Conn) {
	p.mu.Lock()
	p.evicted = append(p.evicted, host.HostAddr())
	p.mu.Unlock()
}

func (p *fakeProvider) CheckHealth(host *HostInfo, conn Conn) {
	p.mu.Lock()
	p.healthChecked = append(p.healthChecked, host.HostAddr())
	p.mu.Unlock()
}

func (p *fakeProvider) evictedHosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evicted...)
}

func (p *fakeProvider) healthCheckedHosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.healthChecked...)
}

func newTestSession(t *testing.T, provider ConnProvider, hosts []*HostInfo, mutate func(*ClusterConfig)) *Session {
	t.Helper()
	cfg := ClusterConfig{
		ConnProvider:             provider,
		InitialHosts:             hosts,
		Logger:                   &testLogger{},
		DisablePrepareOnAllHosts: true,
		DisableRePrepareOnUp:     true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return session
}

// readTimeoutErr is the canonical scripted server failure used by the
// execution tests.
func readTimeoutErr() error {
	return &RequestErrReadTimeout{
		errorFrame:  newErrorFrame(errReadTimeout, "read timeout"),
		Consistency: Quorum,
		Received:    1,
		BlockFor:    2,
		DataPresent: 0,
	}
}

func rowsResponse(rows ...string) *Response {
	out := make([][]interface{}, len(rows))
	for i, row := range rows {
		out[i] = []interface{}{row}
	}
	return &Response{Kind: ResponseRows, Rows: out, Columns: []string{"value"}}
}

