// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry runs step attempts under an exponential backoff policy.
// Only transient failures are retried.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tombee/ferry/pkg/errors"
)

// Policy configures retry behavior with exponential backoff.
type Policy struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (typically 2.0 for exponential).
	Multiplier float64

	// Jitter adds randomness to the delay (0.0-1.0).
	Jitter float64

	// Retryable decides whether an error may be retried.
	// If nil, only errors classified as transient are retried.
	Retryable func(error) bool

	// Sleep waits between attempts. If nil, a timer honoring ctx is used.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each retry with the failed attempt number
	// (1-based), its error and the chosen delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns sensible default retry settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, retries
// are exhausted, or ctx is done. It returns the number of attempts made
// and the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return errors.Classify(err).Retryable() }
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	b := p.backOff()

	attempt := 0
	for {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt > p.MaxRetries || !retryable(err) {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, err
		}

		delay := b.NextBackOff()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, err
		}
	}
}

// Delay returns a delay for the given retry number (1-based). Jitter makes
// the result vary between calls.
func (p Policy) Delay(retry int) time.Duration {
	b := p.backOff()
	var d time.Duration
	for i := 0; i < retry; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
