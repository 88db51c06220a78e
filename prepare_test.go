// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPrepare_SingleFlight(t *testing.T) {
	host := hostOfID("1", "dc1")
	provider := newFakeProvider()
	conn := provider.connFor(host)
	conn.prepare = func(call int, _ context.Context, _ string) (*Response, error) {
		// widen the race window so concurrent callers pile up
		time.Sleep(10 * time.Millisecond)
		return &Response{Kind: ResponsePrepared, PreparedID: []byte{0x01}, PreparedMeta: &PreparedMetadata{}}, nil
	}
	session := newTestSession(t, provider, []*HostInfo{host}, nil)

	const callers = 16
	var wg sync.WaitGroup
	infos := make([]*PreparedInfo, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := session.Prepare(context.Background(), "SELECT v FROM t WHERE k = ?")
			if err != nil {
				t.Error(err)
				return
			}
			infos[i] = info
		}(i)
	}
	wg.Wait()

	if conn.prepares() != 1 {
		t.Fatalf("expected a single wire-level prepare, got %d", conn.prepares())
	}
	for i := 1; i < callers; i++ {
		if infos[i] != infos[0] {
			t.Fatal("expected every caller to receive the same prepared info")
		}
	}
	if !bytes.Equal(infos[0].ID(), []byte{0x01}) {
		t.Fatalf("unexpected prepared id %x", infos[0].ID())
	}
}

func TestPrepare_CachedAcrossCalls(t *testing.T) {
	host := hostOfID("1", "dc1")
	provider := newFakeProvider()
	conn := provider.connFor(host)
	session := newTestSession(t, provider, []*HostInfo{host}, nil)

	first, err := session.Prepare(context.Background(), "SELECT v FROM t")
	if err != nil {
		t.Fatal(err)
	}
	second, err := session.Prepare(context.Background(), "SELECT v FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("expected the cached prepared info on the second call")
	}
	if conn.prepares() != 1 {
		t.Fatalf("expected 1 prepare on the wire, got %d", conn.prepares())
	}

	// the id index resolves back to the same entry
	info, ok := session.preparedCatalog().getPreparedByID(first.ID())
	if !ok || info != first {
		t.Fatal("expected the id index to resolve to the cached entry")
	}
}

func TestPrepare_FailedPrepareRetriesLater(t *testing.T) {
	host := hostOfID("1", "dc1")
	provider := newFakeProvider()
	conn := provider.connFor(host)
	conn.prepare = func(call int, _ context.Context, _ string) (*Response, error) {
		if call == 1 {
			return nil, &RequestErrUnavailable{
				errorFrame: newErrorFrame(errUnavailable, "not enough replicas"),
			}
		}
		return &Response{Kind: ResponsePrepared, PreparedID: []byte{0x01}, PreparedMeta: &PreparedMetadata{}}, nil
	}
	session := newTestSession(t, provider, []*HostInfo{host}, nil)

	if _, err := session.Prepare(context.Background(), "SELECT v FROM t"); err == nil {
		t.Fatal("expected the first prepare to fail")
	}
	// the failed entry must not poison the cache
	info, err := session.Prepare(context.Background(), "SELECT v FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(info.ID(), []byte{0x01}) {
		t.Fatalf("unexpected prepared id %x", info.ID())
	}
}

func TestPrepare_FailsOverOnSocketError(t *testing.T) {
	hostA := hostOfID("1", "dc1")
	hostB := hostOfID("2", "dc1")
	provider := newFakeProvider()
	provider.failBorrow(hostA, ErrNoConnections)
	connB := provider.connFor(hostB)
	session := newTestSession(t, provider, []*HostInfo{hostA, hostB}, nil)

	info, err := session.Prepare(context.Background(), "SELECT v FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || connB.prepares() != 1 {
		t.Fatal("expected the prepare to land on the reachable host")
	}
}

func TestPrepare_NoHostAvailable(t *testing.T) {
	hosts := []*HostInfo{hostOfID("1", "dc1"), hostOfID("2", "dc1")}
	provider := newFakeProvider()
	for _, host := range hosts {
		provider.failBorrow(host, ErrNoConnections)
	}
	session := newTestSession(t, provider, hosts, nil)

	_, err := session.Prepare(context.Background(), "SELECT v FROM t")
	var noHost *NoHostAvailableError
	if !errors.As(err, &noHost) {
		t.Fatalf("expected *NoHostAvailableError, got %v", err)
	}
	if len(noHost.Errors) != 2 {
		t.Fatalf("expected an error per host, got %v", noHost.Errors)
	}
}

func TestPrepare_OnAllHosts(t *testing.T) {
	hosts := []*HostInfo{hostOfID("1", "dc1"), hostOfID("2", "dc1"), hostOfID("3", "dc1")}
	provider := newFakeProvider()
	session := newTestSession(t, provider, hosts, func(cfg *ClusterConfig) {
		cfg.DisablePrepareOnAllHosts = false
	})

	if _, err := session.Prepare(context.Background(), "SELECT v FROM t"); err != nil {
		t.Fatal(err)
	}

	total := 0
	for _, host := range hosts {
		total += provider.connFor(host).prepares()
	}
	if total != 3 {
		t.Fatalf("expected the statement prepared on all 3 hosts, got %d prepares", total)
	}
}

func TestPrepareMultiple(t *testing.T) {
	host := hostOfID("1", "dc1")
	provider := newFakeProvider()
	conn := provider.connFor(host)
	conn.prepare = func(call int, _ context.Context, stmt string) (*Response, error) {
		return &Response{
			Kind:         ResponsePrepared,
			PreparedID:   []byte(fmt.Sprintf("id-%d", call)),
			PreparedMeta: &PreparedMetadata{},
		}, nil
	}
	session := newTestSession(t, provider, []*HostInfo{host}, nil)

	stmts := []string{
		"SELECT a FROM t WHERE k = ?",
		"SELECT b FROM t WHERE k = ?",
		"SELECT c FROM t WHERE k = ?",
	}
	infos, err := session.PrepareMultiple(context.Background(), stmts)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != len(stmts) {
		t.Fatalf("expected %d infos, got %d", len(stmts), len(infos))
	}
	for i, info := range infos {
		if info.Statement() != stmts[i] {
			t.Fatalf("infos[%d] out of order: %q", i, info.Statement())
		}
	}
}

func TestPrepareMultiple_FailsFast(t *testing.T) {
	host := hostOfID("1", "dc1")
	provider := newFakeProvider()
	conn := provider.connFor(host)
	conn.prepare = func(call int, _ context.Context, stmt string) (*Response, error) {
		if stmt == "BROKEN" {
			return nil, &RequestErrUnavailable{errorFrame: newErrorFrame(errUnavailable, "unavailable")}
		}
		return &Response{Kind: ResponsePrepared, PreparedID: []byte{byte(call)}, PreparedMeta: &PreparedMetadata{}}, nil
	}
	session := newTestSession(t, provider, []*HostInfo{host}, nil)

	_, err := session.PrepareMultiple(context.Background(), []string{"SELECT a FROM t", "BROKEN", "SELECT c FROM t"})
	if err == nil {
		t.Fatal("expected the batch to fail")
	}
	if conn.prepares() != 2 {
		t.Fatalf("expected the batch to stop at the failure, got %d prepares", conn.prepares())
	}
}

func TestPrepareAllQueries_ReplaysCatalog(t *testing.T) {
	host := hostOfID("1", "dc1")
	provider := newFakeProvider()
	conn := provider.connFor(host)
	conn.prepare = func(call int, _ context.Context, _ string) (*Response, error) {
		return &Response{Kind: ResponsePrepared, PreparedID: []byte{byte(call)}, PreparedMeta: &PreparedMetadata{}}, nil
	}
	session := newTestSession(t, provider, []*HostInfo{host}, func(cfg *ClusterConfig) {
		cfg.Keyspace = "app"
	})

	if _, err := session.Prepare(context.Background(), "SELECT a FROM t"); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Prepare(context.Background(), "SELECT b FROM t"); err != nil {
		t.Fatal(err)
	}

	joined := hostOfID("2", "dc1")
	joinedConn := provider.connFor(joined)
	session.prepare.prepareAllQueries(context.Background(), joined)

	stmts := joinedConn.preparedStmts()
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements replayed on the new host, got %v", stmts)
	}
}

func TestPreparedCatalog_EvictionDropsIDIndex(t *testing.T) {
	host := hostOfID("1", "dc1")
	provider := newFakeProvider()
	conn := provider.connFor(host)
	conn.prepare = func(call int, _ context.Context, _ string) (*Response, error) {
		return &Response{Kind: ResponsePrepared, PreparedID: []byte{byte(call)}, PreparedMeta: &PreparedMetadata{}}, nil
	}
	session := newTestSession(t, provider, []*HostInfo{host}, func(cfg *ClusterConfig) {
		cfg.MaxPreparedStmts = 1
	})

	first, err := session.Prepare(context.Background(), "SELECT a FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := session.Prepare(context.Background(), "SELECT b FROM t"); err != nil {
		t.Fatal(err)
	}

	if _, ok := session.preparedCatalog().getPreparedByID(first.ID()); ok {
		t.Fatal("expected the evicted entry to vanish from the id index")
	}
}

func TestPreparedCatalog_KeyspaceScoped(t *testing.T) {
	catalog := newPreparedCatalog(10)

	_, loaded := catalog.loadOrStore("ks1", "SELECT v FROM t")
	if loaded {
		t.Fatal("expected a fresh entry")
	}
	// the same text in another keyspace is a distinct statement
	_, loaded = catalog.loadOrStore("ks2", "SELECT v FROM t")
	if loaded {
		t.Fatal("expected a distinct entry per keyspace")
	}
	_, loaded = catalog.loadOrStore("ks1", "SELECT v FROM t")
	if !loaded {
		t.Fatal("expected the existing entry to be returned")
	}
}
