// Copyright (c) 2016 The cqlexec Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cqlexec

import (
	"errors"
	"testing"
	"time"
)

type mockRetryableQuery struct {
	attempts   int
	cons       Consistency
	idempotent bool
}

func (m *mockRetryableQuery) Attempts() int               { return m.attempts }
func (m *mockRetryableQuery) GetConsistency() Consistency { return m.cons }
func (m *mockRetryableQuery) IsIdempotent() bool          { return m.idempotent }

func TestSimpleRetryPolicy(t *testing.T) {
	policy := &SimpleRetryPolicy{NumRetries: 2}
	q := &mockRetryableQuery{cons: Quorum}

	cases := []struct {
		attempts int
		want     RetryType
	}{
		{0, RetryNextHost},
		{1, RetryNextHost},
		{2, RetryNextHost},
		{3, Rethrow},
		{4, Rethrow},
	}
	for _, c := range cases {
		q.attempts = c.attempts
		if got := policy.OnUnavailable(q, Quorum, 3, 1); got.Type != c.want {
			t.Errorf("attempts=%d: OnUnavailable = %v, want %v", c.attempts, got.Type, c.want)
		}
	}
}

func TestSimpleRetryPolicy_ReadTimeout(t *testing.T) {
	policy := &SimpleRetryPolicy{NumRetries: 1}
	q := &mockRetryableQuery{cons: Quorum}

	// enough replicas responded but the data had not arrived yet: a
	// retry on the same coordinator can succeed
	if got := policy.OnReadTimeout(q, Quorum, 2, 2, false); got.Type != Retry {
		t.Errorf("received>=blockFor, no data: got %v, want Retry", got.Type)
	}
	// data was present, retrying will not change the outcome
	if got := policy.OnReadTimeout(q, Quorum, 2, 2, true); got.Type != Rethrow {
		t.Errorf("data present: got %v, want Rethrow", got.Type)
	}
	if got := policy.OnReadTimeout(q, Quorum, 1, 2, false); got.Type != Rethrow {
		t.Errorf("received<blockFor: got %v, want Rethrow", got.Type)
	}
}

func TestSimpleRetryPolicy_WriteTimeout(t *testing.T) {
	policy := &SimpleRetryPolicy{NumRetries: 1}
	q := &mockRetryableQuery{cons: Quorum}

	if got := policy.OnWriteTimeout(q, Quorum, "BATCH_LOG", 0, 2); got.Type != Retry {
		t.Errorf("BATCH_LOG: got %v, want Retry", got.Type)
	}
	if got := policy.OnWriteTimeout(q, Quorum, "SIMPLE", 0, 2); got.Type != Rethrow {
		t.Errorf("SIMPLE: got %v, want Rethrow", got.Type)
	}
}

func TestSimpleRetryPolicy_RequestError(t *testing.T) {
	policy := &SimpleRetryPolicy{NumRetries: 1}

	notWritten := &ConnError{Addr: "10.0.0.1:9042", Err: errors.New("broken pipe"), RequestWritten: false}
	written := &ConnError{Addr: "10.0.0.1:9042", Err: errors.New("broken pipe"), RequestWritten: true}

	// proven not applied: retried regardless of idempotence
	q := &mockRetryableQuery{cons: Quorum, idempotent: false}
	if got := policy.OnRequestError(q, Quorum, notWritten); got.Type != RetryNextHost {
		t.Errorf("not written: got %v, want RetryNextHost", got.Type)
	}
	// indeterminate and not idempotent: never retried
	if got := policy.OnRequestError(q, Quorum, written); got.Type != Rethrow {
		t.Errorf("written, non-idempotent: got %v, want Rethrow", got.Type)
	}
	// indeterminate but idempotent: safe to retry elsewhere
	q.idempotent = true
	if got := policy.OnRequestError(q, Quorum, written); got.Type != RetryNextHost {
		t.Errorf("written, idempotent: got %v, want RetryNextHost", got.Type)
	}

	// a bootstrapping or overloaded node rejected the request before
	// executing it
	bootstrapping := &RequestErrIsBootstrapping{newErrorFrame(errBootstrapping, "bootstrapping")}
	q.idempotent = false
	if got := policy.OnRequestError(q, Quorum, bootstrapping); got.Type != RetryNextHost {
		t.Errorf("bootstrapping: got %v, want RetryNextHost", got.Type)
	}
	overloaded := &RequestErrOverloaded{newErrorFrame(errOverloaded, "overloaded")}
	if got := policy.OnRequestError(q, Quorum, overloaded); got.Type != RetryNextHost {
		t.Errorf("overloaded: got %v, want RetryNextHost", got.Type)
	}
}

func TestExponentialBackoffPolicy(t *testing.T) {
	// test with defaults
	policy := &ExponentialBackoffRetryPolicy{NumRetries: 2}

	cases := []struct {
		attempts int
		delay    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{17, 10 * time.Second}, // max is 10 seconds
	}
	for _, c := range cases {
		// test 100 times for each case
		for i := 0; i < 100; i++ {
			d := policy.napTime(c.attempts)
			if d < c.delay-(100*time.Millisecond)/2 {
				t.Fatalf("attempts %d: expected at least %v, got %v", c.attempts, c.delay-(100*time.Millisecond)/2, d)
			}
			if d > c.delay+(100*time.Millisecond)/2 {
				t.Fatalf("attempts %d: expected at most %v, got %v", c.attempts, c.delay+(100*time.Millisecond)/2, d)
			}
		}
	}
}

func TestDowngradingConsistencyRetryPolicy(t *testing.T) {
	policy := &DowngradingConsistencyRetryPolicy{ConsistencyLevelsToTry: []Consistency{Two, One}}
	q := &mockRetryableQuery{cons: Quorum}

	// each attempt walks one rung down the ladder
	for attempt, want := range []Consistency{Two, One} {
		q.attempts = attempt
		got := policy.OnUnavailable(q, Quorum, 3, 1)
		if got.Type != RetryNextHost {
			t.Fatalf("attempt %d: got %v, want RetryNextHost", attempt, got.Type)
		}
		if got.Consistency == nil || *got.Consistency != want {
			t.Fatalf("attempt %d: expected downgrade to %v, got %v", attempt, want, got.Consistency)
		}
	}
	// ladder exhausted
	q.attempts = 2
	if got := policy.OnUnavailable(q, Quorum, 3, 1); got.Type != Rethrow {
		t.Fatalf("exhausted ladder: got %v, want Rethrow", got.Type)
	}
}

func TestDowngradingConsistencyRetryPolicy_WriteTimeout(t *testing.T) {
	policy := &DowngradingConsistencyRetryPolicy{ConsistencyLevelsToTry: []Consistency{One}}
	q := &mockRetryableQuery{cons: Quorum}

	// a simple write that reached at least one replica will be
	// propagated eventually
	if got := policy.OnWriteTimeout(q, Quorum, "SIMPLE", 1, 2); got.Type != Ignore {
		t.Errorf("SIMPLE received>0: got %v, want Ignore", got.Type)
	}
	if got := policy.OnWriteTimeout(q, Quorum, "SIMPLE", 0, 2); got.Type != Rethrow {
		t.Errorf("SIMPLE received=0: got %v, want Rethrow", got.Type)
	}
	if got := policy.OnWriteTimeout(q, Quorum, "BATCH", 1, 2); got.Type != Ignore {
		t.Errorf("BATCH received>0: got %v, want Ignore", got.Type)
	}
	if got := policy.OnWriteTimeout(q, Quorum, "UNLOGGED_BATCH", 0, 2); got.Type != Retry {
		t.Errorf("UNLOGGED_BATCH: got %v, want Retry", got.Type)
	}
	if got := policy.OnWriteTimeout(q, Quorum, "BATCH_LOG", 0, 2); got.Type != Retry {
		t.Errorf("BATCH_LOG: got %v, want Retry", got.Type)
	}
	if got := policy.OnWriteTimeout(q, Quorum, "COUNTER", 0, 2); got.Type != Rethrow {
		t.Errorf("COUNTER: got %v, want Rethrow", got.Type)
	}
}

func TestFallthroughRetryPolicy(t *testing.T) {
	policy := FallthroughRetryPolicy{}
	q := &mockRetryableQuery{cons: Quorum, idempotent: true}

	if got := policy.OnReadTimeout(q, Quorum, 2, 2, false); got.Type != Rethrow {
		t.Errorf("OnReadTimeout: got %v, want Rethrow", got.Type)
	}
	if got := policy.OnWriteTimeout(q, Quorum, "BATCH_LOG", 0, 2); got.Type != Rethrow {
		t.Errorf("OnWriteTimeout: got %v, want Rethrow", got.Type)
	}
	if got := policy.OnUnavailable(q, Quorum, 3, 1); got.Type != Rethrow {
		t.Errorf("OnUnavailable: got %v, want Rethrow", got.Type)
	}
	if got := policy.OnRequestError(q, Quorum, errors.New("any")); got.Type != Rethrow {
		t.Errorf("OnRequestError: got %v, want Rethrow", got.Type)
	}
}
