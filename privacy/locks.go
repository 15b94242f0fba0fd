// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package privacy

import (
	"sync"

	"golang.org/x/time/rate"
)

// operatorLocks hands out one mutex per operator id. Transfers for
// different operators run fully in parallel; everything between consent
// lookup and the durable audit begin for one operator is serialized.
type operatorLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newOperatorLocks() *operatorLocks {
	return &operatorLocks{locks: make(map[string]*sync.Mutex)}
}

func (o *operatorLocks) get(operator string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[operator]
	if !ok {
		l = &sync.Mutex{}
		o.locks[operator] = l
	}
	return l
}

// promptLimiters throttles how often each operator can be interrupted
// with a consent prompt.
type promptLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newPromptLimiters(perMinute, burst int) *promptLimiters {
	return &promptLimiters{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

func (p *promptLimiters) allow(operator string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[operator]
	if !ok {
		l = rate.NewLimiter(p.rate, p.burst)
		p.limiters[operator] = l
	}
	return l.Allow()
}
