// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"context"
	"sync"
	"time"
)

// ClusterConfig carries the knobs a Session is built from. An empty
// value is not usable: at minimum ConnProvider must be set. Call
// NewSession to validate and apply defaults.
type ClusterConfig struct {
	// ConnProvider supplies connections to hosts. Required.
	ConnProvider ConnProvider

	// Keyspace is the session-wide default keyspace. Statements with no
	// keyspace of their own are resolved against it.
	Keyspace string

	// Consistency applied to queries that do not set their own.
	// Default: Quorum.
	Consistency Consistency

	// HostSelectionPolicy decides which hosts a query plan yields and in
	// which order. Default: RoundRobinHostPolicy().
	HostSelectionPolicy HostSelectionPolicy

	// RetryPolicy applied to queries that do not set their own.
	// Default: FallthroughRetryPolicy.
	RetryPolicy RetryPolicy

	// SpeculativeExecutionPolicy applied to idempotent queries that do
	// not set their own. Default: NonSpeculativeExecution.
	SpeculativeExecutionPolicy SpeculativeExecutionPolicy

	// ReplicaLookup resolves routing keys to replica sets for
	// TokenAwareHostPolicy. Optional.
	ReplicaLookup ReplicaLookup

	// InitialHosts seeds the host registry before the selection policy
	// is initialized.
	InitialHosts []*HostInfo

	// Timeout bounds a single request round trip. Default: 600ms.
	Timeout time.Duration

	// Compressor used on the wire, nil for none.
	Compressor Compressor

	// MaxPreparedStmts caps the prepared statement cache. Least recently
	// used entries are evicted beyond it. Default: 1000.
	MaxPreparedStmts int

	// MaxRetryCount caps the retry chain of a single execution
	// regardless of what the retry policy decides. Default: 10.
	MaxRetryCount int

	// DisablePrepareOnAllHosts skips fanning a freshly prepared
	// statement out to the rest of the ring.
	DisablePrepareOnAllHosts bool

	// DisableRePrepareOnUp skips replaying the prepared statement
	// catalog on hosts that come up or join the ring.
	DisableRePrepareOnUp bool

	// WaitForSchemaAgreement, when set, is invoked after a schema change
	// response before the result is handed back.
	WaitForSchemaAgreement func(ctx context.Context) error

	// Logger for structured driver messages. Default: log to stderr via
	// the standard library logger.
	Logger StdLogger

	// AdvancedLogger takes precedence over Logger when set.
	AdvancedLogger AdvancedLogger

	// LogLevel filters messages emitted through AdvancedLogger or
	// Logger. Default: LogLevelError.
	LogLevel LogLevel
}

func (cfg ClusterConfig) normalized() ClusterConfig {
	if cfg.Consistency == 0 {
		cfg.Consistency = Quorum
	}
	if cfg.HostSelectionPolicy == nil {
		cfg.HostSelectionPolicy = RoundRobinHostPolicy()
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = &FallthroughRetryPolicy{}
	}
	if cfg.SpeculativeExecutionPolicy == nil {
		cfg.SpeculativeExecutionPolicy = &NonSpeculativeExecution{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 600 * time.Millisecond
	}
	if cfg.MaxPreparedStmts <= 0 {
		cfg.MaxPreparedStmts = defaultMaxPreparedStmts
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = defaultMaxRetryCount
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = LogLevelError
	}
	return cfg
}

const (
	defaultMaxPreparedStmts = 1000
	defaultMaxRetryCount    = 10
)

// NewCluster returns a ClusterConfig with defaults applied on top of
// the given initial contact points.
func NewCluster(hosts ...*HostInfo) ClusterConfig {
	return ClusterConfig{InitialHosts: hosts}.normalized()
}

// Session is the entry point for executing requests against the
// cluster. It owns the host registry, the prepared statement catalog
// and the request execution machinery, and is safe for concurrent use.
type Session struct {
	cfg    ClusterConfig
	ring   ring
	policy HostSelectionPolicy
	logger internalLogger

	executor *queryExecutor
	prepare  *prepareHandler

	mu       sync.RWMutex
	keyspace string
	closed   bool
}

// NewSession builds a Session from the config, seeds the host registry
// from InitialHosts and initializes the host selection policy.
func NewSession(cfg ClusterConfig) (*Session, error) {
	cfg = cfg.normalized()
	if cfg.ConnProvider == nil {
		return nil, ErrNoConnections
	}

	s := &Session{
		cfg:      cfg,
		policy:   cfg.HostSelectionPolicy,
		keyspace: cfg.Keyspace,
	}
	s.logger = s.buildLogger()

	if len(cfg.InitialHosts) == 0 {
		return nil, ErrNoHosts
	}
	for _, host := range cfg.InitialHosts {
		host.setState(nodeUp)
		s.ring.addOrUpdate(host)
	}

	if err := s.policy.Init(s); err != nil {
		return nil, err
	}
	for _, host := range s.ring.allHosts() {
		s.policy.AddHost(host)
	}

	s.prepare = &prepareHandler{
		session: s,
		catalog: newPreparedCatalog(cfg.MaxPreparedStmts),
		logger:  s.logger,
	}
	s.executor = &queryExecutor{
		session:       s,
		provider:      cfg.ConnProvider,
		policy:        s.policy,
		logger:        s.logger,
		maxRetryCount: cfg.MaxRetryCount,
	}
	return s, nil
}

func (s *Session) buildLogger() internalLogger {
	if s.cfg.AdvancedLogger != nil {
		return newInternalLoggerFromAdvancedLogger(s.cfg.AdvancedLogger, s.cfg.LogLevel)
	}
	if s.cfg.Logger != nil {
		return newInternalLoggerFromStdLogger(s.cfg.Logger, s.cfg.LogLevel)
	}
	return newInternalLoggerFromStdLogger(&defaultLogger{}, s.cfg.LogLevel)
}

// Query builds a query bound to this session with the session defaults
// applied. Options are set through the fluent Query methods.
func (s *Session) Query(stmt string, values ...interface{}) *Query {
	return &Query{
		stmt:    stmt,
		values:  values,
		cons:    s.cfg.Consistency,
		session: s,
	}
}

// Keyspace returns the session's current default keyspace.
func (s *Session) Keyspace() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyspace
}

func (s *Session) handleKeyspaceChange(keyspace string) {
	s.mu.Lock()
	changed := s.keyspace != keyspace
	s.keyspace = keyspace
	s.mu.Unlock()
	if changed {
		s.logger.Info("cqlexec: session keyspace changed",
			NewLogField("keyspace", keyspace))
	}
}

func (s *Session) preparedCatalog() *preparedCatalog {
	return s.prepare.catalog
}

func (s *Session) executeQuery(qry *Query) *Iter {
	if s.Closed() {
		return &Iter{err: ErrSessionClosed}
	}
	return s.executor.executeQuery(qry)
}

// Prepare readies a statement against the cluster and caches the
// result. Concurrent calls for the same statement share one wire-level
// prepare.
func (s *Session) Prepare(ctx context.Context, stmt string) (*PreparedInfo, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	return s.prepare.getPrepared(ctx, s.Keyspace(), stmt)
}

// PrepareMultiple prepares a batch of statements, returning their infos
// in input order. The first hard error fails the batch.
func (s *Session) PrepareMultiple(ctx context.Context, stmts []string) ([]*PreparedInfo, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	return s.prepare.getPreparedMultiple(ctx, s.Keyspace(), stmts)
}

// AddHost registers a host with the session, notifying the selection
// policy and warming the host's prepared statement cache.
func (s *Session) AddHost(host *HostInfo) {
	host.setState(nodeUp)
	isNew := s.ring.addOrUpdate(host)
	s.policy.AddHost(host)
	if isNew && !s.cfg.DisableRePrepareOnUp {
		go s.prepare.prepareAllQueries(context.Background(), host)
	}
}

// RemoveHost forgets a host, notifying the selection policy.
func (s *Session) RemoveHost(host *HostInfo) {
	s.ring.removeHost(host.HostID())
	s.policy.RemoveHost(host)
}

// HostUp marks a host as available again.
func (s *Session) HostUp(host *HostInfo) {
	host.setState(nodeUp)
	s.policy.HostUp(host)
	if !s.cfg.DisableRePrepareOnUp {
		go s.prepare.prepareAllQueries(context.Background(), host)
	}
}

// HostDown marks a host as unavailable. Query plans skip it until it
// comes back up.
func (s *Session) HostDown(host *HostInfo) {
	host.setState(nodeDown)
	s.policy.HostDown(host)
}

// Close shuts the session down. In-flight requests finish; new ones
// fail with ErrSessionClosed. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
