// Copyright 2023 Buf Technologies, Inc.
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

// Package backoff provides retry delay strategies. A BackOff is a pure
// function of the attempt number, so a single value may be shared by any
// number of concurrent requests.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackOff computes the delay to wait before a retry.
type BackOff interface {
	// NextDelay returns the delay before the given retry attempt, where
	// attempt is 1 for the first retry. If ok is false, the caller should
	// stop retrying.
	NextDelay(attempt int) (delay time.Duration, ok bool)
}

// Func adapts a plain function to the BackOff interface.
type Func func(attempt int) (time.Duration, bool)

// NextDelay implements BackOff.
func (f Func) NextDelay(attempt int) (time.Duration, bool) {
	return f(attempt)
}

//nolint:gochecknoglobals
var (
	// Stop never retries.
	Stop BackOff = Func(func(int) (time.Duration, bool) { return 0, false })
	// ZeroDelay retries immediately, forever.
	ZeroDelay BackOff = Func(func(int) (time.Duration, bool) { return 0, true })
)

// Constant waits the same delay before every retry, giving up after
// maxAttempts retries. If maxAttempts is zero or negative, it never
// gives up.
func Constant(delay time.Duration, maxAttempts int) BackOff {
	return Func(func(attempt int) (time.Duration, bool) {
		if exhausted(attempt, maxAttempts) {
			return 0, false
		}
		return delay, true
	})
}

// Linear waits initial + step*(attempt-1), capped at maxDelay when
// maxDelay is positive.
func Linear(initial, step, maxDelay time.Duration, maxAttempts int) BackOff {
	return Func(func(attempt int) (time.Duration, bool) {
		if exhausted(attempt, maxAttempts) {
			return 0, false
		}
		delay := initial + step*time.Duration(attempt-1)
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
		return delay, true
	})
}

// ExponentialConfig configures an exponential back-off.
type ExponentialConfig struct {
	// InitialInterval is the delay before the first retry. Defaults to
	// 500ms.
	InitialInterval time.Duration
	// Multiplier grows the interval each attempt. Defaults to 1.5.
	Multiplier float64
	// MaxInterval caps the interval, including jitter. Defaults to 60s.
	MaxInterval time.Duration
	// RandomizationFactor spreads each delay uniformly over
	// [interval*(1-f), interval*(1+f)]. Zero disables jitter.
	RandomizationFactor float64
	// MaxAttempts is the number of retries before giving up. Zero or
	// negative means unlimited.
	MaxAttempts int
}

// Exponential returns an exponential back-off. Zero fields take their
// documented defaults.
func Exponential(config ExponentialConfig) BackOff {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 500 * time.Millisecond
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1.5
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 60 * time.Second
	}
	if config.RandomizationFactor < 0 {
		config.RandomizationFactor = 0
	}
	return exponential(config)
}

type exponential ExponentialConfig

func (e exponential) NextDelay(attempt int) (time.Duration, bool) {
	if exhausted(attempt, e.MaxAttempts) {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}
	interval := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))
	if e.RandomizationFactor > 0 {
		delta := e.RandomizationFactor * interval
		interval = interval - delta + rand.Float64()*(2*delta) //nolint:gosec // jitter does not need crypto/rand
	}
	if interval > float64(e.MaxInterval) || math.IsInf(interval, 0) || math.IsNaN(interval) {
		return e.MaxInterval, true
	}
	return time.Duration(interval), true
}

func exhausted(attempt, maxAttempts int) bool {
	return maxAttempts > 0 && attempt > maxAttempts
}
