// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This file holds the host selection policies and their query plan
// iterators.

package cqlexec

import (
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// RetryableQuery is the view of an in-flight request that retry policies
// evaluate.
type RetryableQuery interface {
	Attempts() int
	GetConsistency() Consistency
	IsIdempotent() bool
}

// ExecutableQuery is the view of a request that host selection policies
// see when building a query plan.
type ExecutableQuery interface {
	GetRoutingKey() ([]byte, error)
	Keyspace() string
	IsIdempotent() bool
}

// SelectedHost is a host yielded by a query plan. Mark feeds the outcome
// of the attempt back into the policy that produced it.
type SelectedHost interface {
	Info() *HostInfo
	Mark(err error)
}

type selectedHost HostInfo

func (host *selectedHost) Info() *HostInfo {
	return (*HostInfo)(host)
}

func (host *selectedHost) Mark(err error) {}

// NextHost is an iteration function over a query plan. It returns nil
// once the plan is exhausted and never panics, even when hosts have been
// removed since the plan was created.
type NextHost func() SelectedHost

// HostStateNotifier receives topology and status change events from the
// host registry.
type HostStateNotifier interface {
	AddHost(host *HostInfo)
	RemoveHost(host *HostInfo)
	HostUp(host *HostInfo)
	HostDown(host *HostInfo)
}

// HostSelectionPolicy produces, per logical request, an ordered lazy
// sequence of candidate coordinators.
type HostSelectionPolicy interface {
	HostStateNotifier
	// Init is called exactly once before the policy is used. Policies
	// return a hard error when required configuration cannot be
	// determined; silently picking a wrong default causes invisible
	// routing bugs.
	Init(*Session) error
	// DistanceOf classifies a host without side effects.
	DistanceOf(host *HostInfo) HostDistance
	// Pick returns a fresh single-use query plan. It is safe to call
	// concurrently; each plan is independent and yields a host at most
	// once.
	Pick(ExecutableQuery) NextHost
}

// Plan counters are reset well before the conversion ceiling since driver
// instances are long lived and issue unbounded requests.
const planCounterCeiling = math.MaxInt64 - (1 << 20)

func nextPlanOffset(counter *uint64) int {
	pos := atomic.AddUint64(counter, 1)
	if pos >= planCounterCeiling {
		atomic.StoreUint64(counter, 0)
	}
	return int(pos)
}

func shuffleHosts(hosts []*HostInfo) []*HostInfo {
	shuffled := make([]*HostInfo, len(hosts))
	copy(shuffled, hosts)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

func roundRobbin(shift int, hosts ...[]*HostInfo) NextHost {
	var i int
	return func() SelectedHost {
		for len(hosts) > 0 {
			hostList := hosts[0]
			if i >= len(hostList) {
				hosts = hosts[1:]
				i = 0
				continue
			}
			host := hostList[(i+shift)%len(hostList)]
			i++
			return (*selectedHost)(host)
		}
		return nil
	}
}

// RoundRobinHostPolicy is a round-robin load balancing policy, starting
// from a rotating index shared across plans.
func RoundRobinHostPolicy() HostSelectionPolicy {
	return &roundRobinHostPolicy{}
}

type roundRobinHostPolicy struct {
	hosts           cowHostList
	lastUsedHostIdx uint64
}

func (r *roundRobinHostPolicy) Init(*Session) error                 { return nil }
func (r *roundRobinHostPolicy) DistanceOf(*HostInfo) HostDistance   { return HostDistanceLocal }
func (r *roundRobinHostPolicy) AddHost(host *HostInfo)              { r.hosts.add(host) }
func (r *roundRobinHostPolicy) RemoveHost(host *HostInfo)           { r.hosts.remove(host.HostID()) }
func (r *roundRobinHostPolicy) HostUp(host *HostInfo)               { r.AddHost(host) }
func (r *roundRobinHostPolicy) HostDown(host *HostInfo)             { r.RemoveHost(host) }

func (r *roundRobinHostPolicy) Pick(qry ExecutableQuery) NextHost {
	src := r.hosts.get()
	return roundRobbin(nextPlanOffset(&r.lastUsedHostIdx), src)
}

// DCAwareOption configures a DCAwareRoundRobinPolicy.
type DCAwareOption func(*dcAwareRR)

// UsedHostsPerRemoteDC sets how many hosts per remote datacenter may be
// used as fallback coordinators once the local datacenter is exhausted.
// The default of 0 means remote datacenters are never used.
func UsedHostsPerRemoteDC(n int) DCAwareOption {
	return func(d *dcAwareRR) {
		d.usedHostsPerRemoteDC = n
	}
}

// DCAwareRoundRobinPolicy is a host selection policy which prefers the
// local datacenter. Pass an empty localDC to have it determined from the
// registry during Init; a warning is logged when inferred and Init fails
// hard when it cannot be determined at all.
func DCAwareRoundRobinPolicy(localDC string, opts ...DCAwareOption) HostSelectionPolicy {
	d := &dcAwareRR{localDC: localDC, logger: nilInternalLogger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type dcAwareRR struct {
	local           cowHostList
	remote          cowHostList
	lastUsedHostIdx uint64

	usedHostsPerRemoteDC int

	mu      sync.RWMutex
	localDC string
	logger  internalLogger
}

func (d *dcAwareRR) getLocalDC() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localDC
}

func (d *dcAwareRR) Init(s *Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s != nil {
		d.logger = s.logger
	}
	if d.localDC != "" {
		return nil
	}
	if s == nil {
		return fmt.Errorf("cqlexec: dc aware round robin policy requires a local DC")
	}
	for _, host := range s.ring.allHosts() {
		if dc := host.DataCenter(); dc != "" {
			d.localDC = dc
			d.logger.Warning("cqlexec: local DC inferred from registry, configure it explicitly to avoid surprise routing",
				NewLogField("data_center", dc),
				NewLogField("host_id", host.HostID()))
			return nil
		}
	}
	return fmt.Errorf("cqlexec: dc aware round robin policy: local DC not configured and not determinable from known hosts")
}

func (d *dcAwareRR) DistanceOf(host *HostInfo) HostDistance {
	switch host.DataCenter() {
	case "":
		return HostDistanceIgnored
	case d.getLocalDC():
		return HostDistanceLocal
	default:
		return HostDistanceRemote
	}
}

func (d *dcAwareRR) AddHost(host *HostInfo) {
	switch d.DistanceOf(host) {
	case HostDistanceLocal:
		d.local.add(host)
	case HostDistanceRemote:
		d.remote.add(host)
	}
}

func (d *dcAwareRR) RemoveHost(host *HostInfo) {
	d.local.remove(host.HostID())
	d.remote.remove(host.HostID())
}

func (d *dcAwareRR) HostUp(host *HostInfo)   { d.AddHost(host) }
func (d *dcAwareRR) HostDown(host *HostInfo) { d.RemoveHost(host) }

// Pick yields all local hosts round-robin, then, once the local phase is
// exhausted, up to usedHostsPerRemoteDC hosts per remote datacenter.
func (d *dcAwareRR) Pick(qry ExecutableQuery) NextHost {
	local := d.local.get()
	remote := d.remote.get()
	shift := nextPlanOffset(&d.lastUsedHostIdx)
	perRemoteDC := d.usedHostsPerRemoteDC

	var i int
	var used map[string]int
	return func() SelectedHost {
		if i < len(local) {
			host := local[(i+shift)%len(local)]
			i++
			return (*selectedHost)(host)
		}
		if perRemoteDC <= 0 {
			return nil
		}
		if used == nil {
			used = make(map[string]int, 2)
		}
		for i < len(local)+len(remote) {
			host := remote[(i-len(local)+shift)%len(remote)]
			i++
			dc := host.DataCenter()
			if used[dc] >= perRemoteDC {
				continue
			}
			used[dc]++
			return (*selectedHost)(host)
		}
		return nil
	}
}

// ReplicaLookup computes the replica set for a routing key. It is
// implemented by the token ring / schema metadata layer.
type ReplicaLookup interface {
	ReplicasFor(keyspace string, routingKey []byte) []*HostInfo
}

// TokenAwareOption configures a TokenAwareHostPolicy.
type TokenAwareOption func(*tokenAwareHostPolicy)

// WithReplicaLookup sets the replica lookup collaborator. When not set it
// is taken from the session configuration during Init.
func WithReplicaLookup(lookup ReplicaLookup) TokenAwareOption {
	return func(t *tokenAwareHostPolicy) {
		t.lookup = lookup
	}
}

// TokenAwareHostPolicy wraps a child policy and, when the request carries
// routing key information, yields local replicas first (in pseudo-random
// order to spread load), then the child plan with already yielded
// replicas filtered out, then the remaining remote replicas.
func TokenAwareHostPolicy(fallback HostSelectionPolicy, opts ...TokenAwareOption) HostSelectionPolicy {
	t := &tokenAwareHostPolicy{fallback: fallback}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type tokenAwareHostPolicy struct {
	fallback HostSelectionPolicy

	mu     sync.RWMutex
	lookup ReplicaLookup
}

func (t *tokenAwareHostPolicy) replicaLookup() ReplicaLookup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookup
}

func (t *tokenAwareHostPolicy) Init(s *Session) error {
	t.mu.Lock()
	if t.lookup == nil && s != nil {
		t.lookup = s.cfg.ReplicaLookup
	}
	t.mu.Unlock()
	return t.fallback.Init(s)
}

func (t *tokenAwareHostPolicy) DistanceOf(host *HostInfo) HostDistance {
	return t.fallback.DistanceOf(host)
}

func (t *tokenAwareHostPolicy) AddHost(host *HostInfo)    { t.fallback.AddHost(host) }
func (t *tokenAwareHostPolicy) RemoveHost(host *HostInfo) { t.fallback.RemoveHost(host) }
func (t *tokenAwareHostPolicy) HostUp(host *HostInfo)     { t.fallback.HostUp(host) }
func (t *tokenAwareHostPolicy) HostDown(host *HostInfo)   { t.fallback.HostDown(host) }

func (t *tokenAwareHostPolicy) Pick(qry ExecutableQuery) NextHost {
	if qry == nil {
		return t.fallback.Pick(qry)
	}
	routingKey, err := qry.GetRoutingKey()
	if err != nil || routingKey == nil {
		return t.fallback.Pick(qry)
	}
	lookup := t.replicaLookup()
	if lookup == nil {
		return t.fallback.Pick(qry)
	}
	replicas := lookup.ReplicasFor(qry.Keyspace(), routingKey)
	if len(replicas) == 0 {
		return t.fallback.Pick(qry)
	}

	var local, remote []*HostInfo
	replicaIDs := make(map[string]struct{}, len(replicas))
	for _, replica := range replicas {
		replicaIDs[replica.HostID()] = struct{}{}
		if t.fallback.DistanceOf(replica) == HostDistanceLocal {
			local = append(local, replica)
		} else {
			remote = append(remote, replica)
		}
	}
	local = shuffleHosts(local)

	var (
		i, j         int
		fallbackIter NextHost
	)
	yielded := make(map[string]struct{}, len(replicas))
	return func() SelectedHost {
		for i < len(local) {
			host := local[i]
			i++
			if !host.IsUp() {
				continue
			}
			yielded[host.HostID()] = struct{}{}
			return (*selectedHost)(host)
		}

		if fallbackIter == nil {
			fallbackIter = t.fallback.Pick(qry)
		}
		for {
			fallbackHost := fallbackIter()
			if fallbackHost == nil {
				break
			}
			info := fallbackHost.Info()
			if info == nil {
				continue
			}
			if _, ok := yielded[info.HostID()]; ok {
				continue
			}
			yielded[info.HostID()] = struct{}{}
			return fallbackHost
		}

		for j < len(remote) {
			host := remote[j]
			j++
			if !host.IsUp() {
				continue
			}
			if _, ok := yielded[host.HostID()]; ok {
				continue
			}
			yielded[host.HostID()] = struct{}{}
			return (*selectedHost)(host)
		}
		return nil
	}
}

// AllowListHostPolicy wraps a child policy and filters its plans to the
// given addresses. Hosts outside the allow set are classified as ignored
// without consulting the child policy.
func AllowListHostPolicy(fallback HostSelectionPolicy, hosts ...string) HostSelectionPolicy {
	allowed := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			allowed[ip.String()] = struct{}{}
		} else {
			allowed[host] = struct{}{}
		}
	}
	return &allowListHostPolicy{fallback: fallback, allowed: allowed}
}

type allowListHostPolicy struct {
	fallback HostSelectionPolicy
	allowed  map[string]struct{}
}

func (a *allowListHostPolicy) contains(host *HostInfo) bool {
	_, ok := a.allowed[host.ConnectAddress().String()]
	return ok
}

func (a *allowListHostPolicy) Init(s *Session) error {
	return a.fallback.Init(s)
}

func (a *allowListHostPolicy) DistanceOf(host *HostInfo) HostDistance {
	if !a.contains(host) {
		return HostDistanceIgnored
	}
	return a.fallback.DistanceOf(host)
}

func (a *allowListHostPolicy) AddHost(host *HostInfo) {
	if a.contains(host) {
		a.fallback.AddHost(host)
	}
}

func (a *allowListHostPolicy) RemoveHost(host *HostInfo) {
	if a.contains(host) {
		a.fallback.RemoveHost(host)
	}
}

func (a *allowListHostPolicy) HostUp(host *HostInfo)   { a.AddHost(host) }
func (a *allowListHostPolicy) HostDown(host *HostInfo) { a.RemoveHost(host) }

func (a *allowListHostPolicy) Pick(qry ExecutableQuery) NextHost {
	next := a.fallback.Pick(qry)
	return func() SelectedHost {
		for {
			host := next()
			if host == nil {
				return nil
			}
			if info := host.Info(); info != nil && a.contains(info) {
				return host
			}
		}
	}
}

// SpeculativeExecutionPolicy bounds tail latency by issuing additional
// concurrent attempts of an idempotent request before the first attempt
// resolves.
type SpeculativeExecutionPolicy interface {
	Attempts() int
	Delay() time.Duration
}

type NonSpeculativeExecution struct{}

func (sp NonSpeculativeExecution) Attempts() int        { return 0 }
func (sp NonSpeculativeExecution) Delay() time.Duration { return 1 }

// SimpleSpeculativeExecution launches up to NumAttempts additional
// executions, TimeoutDelay apart.
type SimpleSpeculativeExecution struct {
	NumAttempts  int
	TimeoutDelay time.Duration
}

func (sp *SimpleSpeculativeExecution) Attempts() int        { return sp.NumAttempts }
func (sp *SimpleSpeculativeExecution) Delay() time.Duration { return sp.TimeoutDelay }
