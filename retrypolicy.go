// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryType determines where a retry is attempted.
type RetryType uint16

const (
	Retry         RetryType = 0x00 // retry on the current host
	RetryNextHost RetryType = 0x01 // retry on the next host in the query plan
	Ignore        RetryType = 0x02 // mark the request successful with an empty result
	Rethrow       RetryType = 0x03 // surface the error to the caller
)

// RetryDecision is the sole communication channel between a retry policy
// and the request execution.
type RetryDecision struct {
	Type RetryType
	// Consistency optionally overrides the consistency level of the
	// retried request. Nil keeps the current level. Overriding never
	// mutates the original request; the execution clones it.
	Consistency *Consistency
}

func rethrow() RetryDecision       { return RetryDecision{Type: Rethrow} }
func ignore() RetryDecision        { return RetryDecision{Type: Ignore} }
func retrySameHost() RetryDecision { return RetryDecision{Type: Retry} }
func retryNextHost() RetryDecision { return RetryDecision{Type: RetryNextHost} }

func retryWithConsistency(t RetryType, cons Consistency) RetryDecision {
	return RetryDecision{Type: t, Consistency: &cons}
}

// RetryPolicy decides, per server-reported failure category, whether a
// request execution retries, rethrows or ignores the error. Policies must
// never retry indefinitely: decisions are expected to consult
// q.Attempts(). Retrying a request that may already be applied is only
// safe when the request is idempotent or the failure proves it was never
// applied.
type RetryPolicy interface {
	OnReadTimeout(q RetryableQuery, cons Consistency, received, blockFor int, dataPresent bool) RetryDecision
	OnWriteTimeout(q RetryableQuery, cons Consistency, writeType string, received, blockFor int) RetryDecision
	OnUnavailable(q RetryableQuery, cons Consistency, required, alive int) RetryDecision
	// OnRequestError is the catch-all for socket errors, overloaded,
	// bootstrapping and truncate responses and client-side operation
	// timeouts.
	OnRequestError(q RetryableQuery, cons Consistency, err error) RetryDecision
}

// requestProvenNotApplied reports whether the error guarantees the
// request never reached the server, making a retry safe for any request.
func requestProvenNotApplied(err error) bool {
	var connErr *ConnError
	if errors.As(err, &connErr) {
		return !connErr.RequestWritten
	}
	var bootstrapping *RequestErrIsBootstrapping
	if errors.As(err, &bootstrapping) {
		// a bootstrapping node rejects requests before executing them
		return true
	}
	var overloaded *RequestErrOverloaded
	return errors.As(err, &overloaded)
}

/*
SimpleRetryPolicy has simple logic for attempting a query a fixed number
of times, retrying only when there is still a chance of success.

See below for examples of usage:

	//Assign to the cluster
	cluster.RetryPolicy = &cqlexec.SimpleRetryPolicy{NumRetries: 3}

	//Assign to a query
	query.RetryPolicy(&cqlexec.SimpleRetryPolicy{NumRetries: 1})
*/
type SimpleRetryPolicy struct {
	NumRetries int //Number of times to retry a query
}

func (s *SimpleRetryPolicy) attemptsRemain(q RetryableQuery) bool {
	return q.Attempts() <= s.NumRetries
}

// OnReadTimeout retries on the same host when enough replicas responded
// but the data was not yet present; every other read timeout is unlikely
// to succeed a second time and is rethrown.
func (s *SimpleRetryPolicy) OnReadTimeout(q RetryableQuery, cons Consistency, received, blockFor int, dataPresent bool) RetryDecision {
	if !s.attemptsRemain(q) {
		return rethrow()
	}
	if received >= blockFor && !dataPresent {
		return retrySameHost()
	}
	return rethrow()
}

// OnWriteTimeout only retries batch-log writes, which the server applies
// idempotently before the batch itself.
func (s *SimpleRetryPolicy) OnWriteTimeout(q RetryableQuery, cons Consistency, writeType string, received, blockFor int) RetryDecision {
	if !s.attemptsRemain(q) {
		return rethrow()
	}
	if writeType == "BATCH_LOG" {
		return retrySameHost()
	}
	return rethrow()
}

// OnUnavailable tries the next host once, in case the coordinator was
// merely partitioned from enough replicas.
func (s *SimpleRetryPolicy) OnUnavailable(q RetryableQuery, cons Consistency, required, alive int) RetryDecision {
	if !s.attemptsRemain(q) {
		return rethrow()
	}
	return retryNextHost()
}

func (s *SimpleRetryPolicy) OnRequestError(q RetryableQuery, cons Consistency, err error) RetryDecision {
	if !s.attemptsRemain(q) {
		return rethrow()
	}
	if requestProvenNotApplied(err) || q.IsIdempotent() {
		return retryNextHost()
	}
	return rethrow()
}

// ExponentialBackoffRetryPolicy applies the same decisions as
// SimpleRetryPolicy but naps with jittered exponential backoff before
// every retry.
type ExponentialBackoffRetryPolicy struct {
	NumRetries int
	Min, Max   time.Duration
}

func (e *ExponentialBackoffRetryPolicy) simple() *SimpleRetryPolicy {
	return &SimpleRetryPolicy{NumRetries: e.NumRetries}
}

func (e *ExponentialBackoffRetryPolicy) nap(q RetryableQuery, d RetryDecision) RetryDecision {
	if d.Type == Retry || d.Type == RetryNextHost {
		time.Sleep(e.napTime(q.Attempts() + 1))
	}
	return d
}

func (e *ExponentialBackoffRetryPolicy) OnReadTimeout(q RetryableQuery, cons Consistency, received, blockFor int, dataPresent bool) RetryDecision {
	return e.nap(q, e.simple().OnReadTimeout(q, cons, received, blockFor, dataPresent))
}

func (e *ExponentialBackoffRetryPolicy) OnWriteTimeout(q RetryableQuery, cons Consistency, writeType string, received, blockFor int) RetryDecision {
	return e.nap(q, e.simple().OnWriteTimeout(q, cons, writeType, received, blockFor))
}

func (e *ExponentialBackoffRetryPolicy) OnUnavailable(q RetryableQuery, cons Consistency, required, alive int) RetryDecision {
	return e.nap(q, e.simple().OnUnavailable(q, cons, required, alive))
}

func (e *ExponentialBackoffRetryPolicy) OnRequestError(q RetryableQuery, cons Consistency, err error) RetryDecision {
	return e.nap(q, e.simple().OnRequestError(q, cons, err))
}

// used to calculate exponentially growing time
func getExponentialTime(min time.Duration, max time.Duration, attempts int) time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	minFloat := float64(min)
	napDuration := minFloat * math.Pow(2, float64(attempts-1))
	// add some jitter
	napDuration += rand.Float64()*minFloat - (minFloat / 2)
	if napDuration > float64(max) {
		return max
	}
	return time.Duration(napDuration)
}

func (e *ExponentialBackoffRetryPolicy) napTime(attempts int) time.Duration {
	return getExponentialTime(e.Min, e.Max, attempts)
}

// DowngradingConsistencyRetryPolicy accepts a lowered consistency level
// on the retry rather than failing the request. Levels are tried in
// order, one per attempt; once the ladder is exhausted the error is
// rethrown. Only use it when the application can tolerate reads and
// writes acknowledged by fewer replicas.
type DowngradingConsistencyRetryPolicy struct {
	ConsistencyLevelsToTry []Consistency
}

func (d *DowngradingConsistencyRetryPolicy) downgrade(q RetryableQuery, t RetryType) RetryDecision {
	if q.Attempts() >= len(d.ConsistencyLevelsToTry) {
		return rethrow()
	}
	return retryWithConsistency(t, d.ConsistencyLevelsToTry[q.Attempts()])
}

func (d *DowngradingConsistencyRetryPolicy) OnReadTimeout(q RetryableQuery, cons Consistency, received, blockFor int, dataPresent bool) RetryDecision {
	return d.downgrade(q, Retry)
}

func (d *DowngradingConsistencyRetryPolicy) OnWriteTimeout(q RetryableQuery, cons Consistency, writeType string, received, blockFor int) RetryDecision {
	switch writeType {
	case "SIMPLE", "BATCH":
		// the write made it to at least one replica and will be
		// propagated by hinted handoff / read repair
		if received > 0 {
			return ignore()
		}
		return rethrow()
	case "UNLOGGED_BATCH":
		return d.downgrade(q, Retry)
	case "BATCH_LOG":
		return retrySameHost()
	default:
		return rethrow()
	}
}

func (d *DowngradingConsistencyRetryPolicy) OnUnavailable(q RetryableQuery, cons Consistency, required, alive int) RetryDecision {
	return d.downgrade(q, RetryNextHost)
}

func (d *DowngradingConsistencyRetryPolicy) OnRequestError(q RetryableQuery, cons Consistency, err error) RetryDecision {
	if q.Attempts() >= len(d.ConsistencyLevelsToTry) {
		return rethrow()
	}
	if requestProvenNotApplied(err) || q.IsIdempotent() {
		return retryNextHost()
	}
	return rethrow()
}

// FallthroughRetryPolicy always rethrows. It is the safe default for
// contexts that execute side-effecting, non-idempotent operations.
type FallthroughRetryPolicy struct{}

func (FallthroughRetryPolicy) OnReadTimeout(RetryableQuery, Consistency, int, int, bool) RetryDecision {
	return rethrow()
}

func (FallthroughRetryPolicy) OnWriteTimeout(RetryableQuery, Consistency, string, int, int) RetryDecision {
	return rethrow()
}

func (FallthroughRetryPolicy) OnUnavailable(RetryableQuery, Consistency, int, int) RetryDecision {
	return rethrow()
}

func (FallthroughRetryPolicy) OnRequestError(RetryableQuery, Consistency, error) RetryDecision {
	return rethrow()
}
