// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// HostDistance classifies how a policy relates to a host. Local hosts are
// preferred coordinators, remote hosts are fallback coordinators and
// ignored hosts are never used.
type HostDistance int

const (
	HostDistanceLocal HostDistance = iota
	HostDistanceRemote
	HostDistanceIgnored
)

func (d HostDistance) String() string {
	switch d {
	case HostDistanceLocal:
		return "local"
	case HostDistanceRemote:
		return "remote"
	case HostDistanceIgnored:
		return "ignored"
	default:
		return "invalid"
	}
}

type nodeState int32

const (
	nodeUp nodeState = iota
	nodeDown
)

// HostInfo represents one cluster node. It is created on topology
// discovery, marked down/up on health events and removed on decommission;
// policies and the executor only ever read it.
type HostInfo struct {
	mu             sync.RWMutex
	hostId         string
	connectAddress net.IP
	port           int
	dataCenter     string
	rack           string
	state          nodeState
}

// NewHostInfo creates a host for the given address. A random host id is
// assigned; discovery layers overwrite it with the server-reported one.
func NewHostInfo(addr net.IP, port int) (*HostInfo, error) {
	if len(addr) == 0 || addr.IsUnspecified() {
		return nil, fmt.Errorf("invalid host address: %v", addr)
	}
	return &HostInfo{
		hostId:         uuid.NewString(),
		connectAddress: addr,
		port:           port,
	}, nil
}

func (h *HostInfo) ConnectAddress() net.IP {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connectAddress
}

func (h *HostInfo) Port() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.port
}

// HostAddr returns the host:port pair used as the key in tried-host maps.
func (h *HostInfo) HostAddr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return net.JoinHostPort(h.connectAddress.String(), strconv.Itoa(h.port))
}

func (h *HostInfo) HostID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hostId
}

func (h *HostInfo) SetHostID(id string) *HostInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hostId = id
	return h
}

func (h *HostInfo) DataCenter() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dataCenter
}

func (h *HostInfo) SetDataCenter(dc string) *HostInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dataCenter = dc
	return h
}

func (h *HostInfo) Rack() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rack
}

func (h *HostInfo) SetRack(rack string) *HostInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rack = rack
	return h
}

func (h *HostInfo) IsUp() bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == nodeUp
}

func (h *HostInfo) setState(state nodeState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

func (h *HostInfo) String() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return fmt.Sprintf("[HostInfo hostId=%q connectAddress=%q port=%d data_center=%q rack=%q]",
		h.hostId, h.connectAddress, h.port, h.dataCenter, h.rack)
}

// cowHostList implements a copy on write host list, its equivalent to a
// go1.9 sync.Map.
type cowHostList struct {
	list atomic.Value
	mu   sync.Mutex
}

func (c *cowHostList) get() []*HostInfo {
	l, ok := c.list.Load().(*[]*HostInfo)
	if !ok {
		return nil
	}
	return *l
}

// add returns false if the host was already in the list.
func (c *cowHostList) add(host *HostInfo) bool {
	c.mu.Lock()
	l := c.get()

	if n := len(l); n == 0 {
		l = []*HostInfo{host}
	} else {
		newL := make([]*HostInfo, n+1)
		for i := 0; i < n; i++ {
			if host.HostID() == l[i].HostID() {
				c.mu.Unlock()
				return false
			}
			newL[i] = l[i]
		}
		newL[n] = host
		l = newL
	}

	c.list.Store(&l)
	c.mu.Unlock()
	return true
}

func (c *cowHostList) remove(hostID string) bool {
	c.mu.Lock()
	l := c.get()
	size := len(l)
	if size == 0 {
		c.mu.Unlock()
		return false
	}

	found := false
	newL := make([]*HostInfo, 0, size)
	for i := 0; i < size; i++ {
		if l[i].HostID() != hostID {
			newL = append(newL, l[i])
		} else {
			found = true
		}
	}

	if !found {
		c.mu.Unlock()
		return false
	}

	newL = newL[: size-1 : size-1]
	c.list.Store(&newL)
	c.mu.Unlock()
	return true
}

// ring is the cluster-wide host registry. Topology and status events
// mutate it; policies and executions read it.
type ring struct {
	mu    sync.RWMutex
	hosts map[string]*HostInfo
}

func newRing() *ring {
	return &ring{hosts: make(map[string]*HostInfo)}
}

func (r *ring) getHost(hostID string) *HostInfo {
	r.mu.RLock()
	host := r.hosts[hostID]
	r.mu.RUnlock()
	return host
}

func (r *ring) allHosts() []*HostInfo {
	r.mu.RLock()
	hosts := make([]*HostInfo, 0, len(r.hosts))
	for _, host := range r.hosts {
		hosts = append(hosts, host)
	}
	r.mu.RUnlock()
	return hosts
}

// addOrUpdate returns true when the host was not yet known.
func (r *ring) addOrUpdate(host *HostInfo) bool {
	r.mu.Lock()
	if r.hosts == nil {
		r.hosts = make(map[string]*HostInfo)
	}
	_, existed := r.hosts[host.HostID()]
	r.hosts[host.HostID()] = host
	r.mu.Unlock()
	return !existed
}

func (r *ring) removeHost(hostID string) bool {
	r.mu.Lock()
	_, ok := r.hosts[hostID]
	delete(r.hosts, hostID)
	r.mu.Unlock()
	return ok
}
