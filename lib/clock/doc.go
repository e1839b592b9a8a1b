// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by every
// timer-driven component in quire: presence expiry, the reconnection
// poller, and signaling keepalives.
//
// Production code receives Real(). Tests receive Fake(start) and move
// time forward explicitly with Advance, so idle-timeout eviction and
// periodic reconnection can be asserted without sleeping:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	tracker := presence.New(source, presence.Options{Clock: fake})
//	fake.Advance(31 * time.Second) // expired peers are evicted here
//
// AfterFunc callbacks registered on a FakeClock run synchronously inside
// Advance, in deadline order. Never call Advance while holding a lock
// that such a callback acquires.
package clock
