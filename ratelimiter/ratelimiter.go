/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2020 WireGuard LLC. All Rights Reserved.
 */

// Package ratelimiter provides a token-bucket limiter keyed by source
// address, used to throttle the locally-generated ICMPv4
// fragmentation-needed replies sent back to the same source.
package ratelimiter

import (
	"net"
	"sync"
	"time"
)

const (
	eventsPerSecond    = 20
	eventsBurstable    = 5
	garbageCollectTime = time.Second
	eventCost          = 1000000000 / eventsPerSecond
	maxTokens          = eventCost * eventsBurstable
)

type entry struct {
	mutex    sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Limiter is safe for concurrent use, though the event loop's single
// cooperative goroutine only ever calls Allow from one caller; the
// garbage-collection goroutine is the only other caller of its internals.
type Limiter struct {
	mutex     sync.RWMutex
	stop      chan struct{}
	tableIPv4 map[[net.IPv4len]byte]*entry
	tableIPv6 map[[net.IPv6len]byte]*entry
}

// Close stops the background garbage-collection goroutine started by Init.
func (l *Limiter) Close() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.stop != nil {
		close(l.stop)
	}
}

// Init (re-)initializes l and starts its garbage collector. Safe to call
// more than once; a repeated call stops the previous garbage collector.
func (l *Limiter) Init() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.stop != nil {
		close(l.stop)
	}

	l.stop = make(chan struct{})
	l.tableIPv4 = make(map[[net.IPv4len]byte]*entry)
	l.tableIPv6 = make(map[[net.IPv6len]byte]*entry)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.collectGarbage()
			}
		}
	}()
}

func (l *Limiter) collectGarbage() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := time.Now()
	for key, e := range l.tableIPv4 {
		e.mutex.Lock()
		if now.Sub(e.lastTime) > garbageCollectTime {
			delete(l.tableIPv4, key)
		}
		e.mutex.Unlock()
	}
	for key, e := range l.tableIPv6 {
		e.mutex.Lock()
		if now.Sub(e.lastTime) > garbageCollectTime {
			delete(l.tableIPv6, key)
		}
		e.mutex.Unlock()
	}
}

// Allow reports whether an event (an ICMP error reply) attributed to ip
// should proceed, consuming one token from ip's bucket if so.
func (l *Limiter) Allow(ip net.IP) bool {
	var e *entry
	var keyIPv4 [net.IPv4len]byte
	var keyIPv6 [net.IPv6len]byte

	v4 := ip.To4()

	l.mutex.RLock()
	if v4 != nil {
		copy(keyIPv4[:], v4)
		e = l.tableIPv4[keyIPv4]
	} else {
		copy(keyIPv6[:], ip.To16())
		e = l.tableIPv6[keyIPv6]
	}
	l.mutex.RUnlock()

	if e == nil {
		e = &entry{tokens: maxTokens - eventCost, lastTime: time.Now()}
		l.mutex.Lock()
		if v4 != nil {
			l.tableIPv4[keyIPv4] = e
		} else {
			l.tableIPv6[keyIPv6] = e
		}
		l.mutex.Unlock()
		return true
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	now := time.Now()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > maxTokens {
		e.tokens = maxTokens
	}

	if e.tokens > eventCost {
		e.tokens -= eventCost
		return true
	}
	return false
}
