// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redislock implements a named distributed lock on Redis.
//
// A lock is a single Redis key set with NX and a lease expiry, so a holder
// that dies without releasing cannot block other workers forever. Release
// deletes the key only if it still carries the holder's token, so an expired
// lock reacquired by someone else is never released by the original holder.
//
// The Redis connection pool is taken from the context, see
// go.chromium.org/luci/server/redisconn.
package redislock

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/redisconn"
)

// ErrTimeout is returned when the lock could not be acquired within
// Options.Wait.
var ErrTimeout = errors.New("timed out waiting for lock")

// releaseScript deletes the lock key iff it is still held by the caller.
var releaseScript = redis.NewScript(1, `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Options tune lock acquisition.
type Options struct {
	// Lease is how long an acquired lock is held before Redis expires it.
	// Must be longer than Wait so a holder cannot expire while a waiter is
	// still polling.
	Lease time.Duration
	// Wait bounds how long acquisition blocks before giving up with
	// ErrTimeout.
	Wait time.Duration
	// Poll is the delay between acquisition attempts.
	Poll time.Duration
}

// DefaultOptions matches the coordination contract used by OpenRelik
// workers: a 60s lease with a 5s bounded wait.
var DefaultOptions = Options{
	Lease: time.Minute,
	Wait:  5 * time.Second,
	Poll:  100 * time.Millisecond,
}

func (o Options) withDefaults() Options {
	if o.Lease == 0 {
		o.Lease = DefaultOptions.Lease
	}
	if o.Wait == 0 {
		o.Wait = DefaultOptions.Wait
	}
	if o.Poll == 0 {
		o.Poll = DefaultOptions.Poll
	}
	return o
}

// With runs fn while holding the named lock, releasing it on all exit paths.
//
// Acquisition polls until the wait bound elapses, then fails with an error
// wrapping ErrTimeout. fn is never run unlocked. The release is best-effort:
// if it fails the lease expiry reclaims the key.
func With(ctx context.Context, name string, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	conn, err := redisconn.Get(ctx)
	if err != nil {
		return errors.Fmt("establishing connection: %w", err)
	}
	defer conn.Close()

	token := uuid.New().String()
	deadline := clock.Now(ctx).Add(opts.Wait)
	for {
		reply, err := redis.String(conn.Do(
			"SET", name, token, "NX", "PX", opts.Lease.Milliseconds()))
		if err == nil && reply == "OK" {
			break
		}
		if err != nil && err != redis.ErrNil {
			return errors.Fmt("acquiring lock %q: %w", name, err)
		}
		if !clock.Now(ctx).Before(deadline) {
			return errors.Fmt("lock %q: %w", name, ErrTimeout)
		}
		if r := clock.Sleep(ctx, opts.Poll); r.Err != nil {
			return errors.Fmt("acquiring lock %q: %w", name, r.Err)
		}
	}

	defer func() {
		if _, err := releaseScript.Do(conn, name, token); err != nil {
			logging.Warningf(ctx, "Failed to release lock %q, waiting for lease expiry: %s", name, err)
		}
	}()
	return fn(ctx)
}

// Mutex acquires named locks with fixed Options.
//
// Its method set matches the Locker seam of the upload package, so the lock
// service can be swapped for a fake in tests.
type Mutex struct {
	Opts Options
}

// WithLock runs fn under the named lock, see With.
func (m Mutex) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return With(ctx, name, m.Opts, fn)
}
