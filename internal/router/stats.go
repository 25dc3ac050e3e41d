package router

import "sync"

// Stats is a consistent snapshot of the routing counters.
type Stats struct {
	PrimaryRequests   uint64   `json:"primary_requests"`
	SecondaryRequests uint64   `json:"secondary_requests"`
	FailoverEvents    uint64   `json:"failover_events"`
	RoundRobinCursor  uint64   `json:"round_robin_cursor"`
	PerProvider       []uint64 `json:"per_provider"`
}

// TotalRequests is primary plus secondary.
func (s Stats) TotalRequests() uint64 { return s.PrimaryRequests + s.SecondaryRequests }

// SecondaryPercent is the share of requests served by a non-primary
// provider, 0 when nothing has been served.
func (s Stats) SecondaryPercent() float64 {
	total := s.TotalRequests()
	if total == 0 {
		return 0
	}
	return float64(s.SecondaryRequests) / float64(total) * 100
}

// StatsCollector owns the router's counters. All mutation and reads go
// through one mutex so Snapshot never observes a half-applied Reset.
type StatsCollector struct {
	mu          sync.Mutex
	primary     uint64
	secondary   uint64
	failovers   uint64
	cursor      uint64
	perProvider []uint64
}

func NewStatsCollector(poolSize int) *StatsCollector {
	return &StatsCollector{perProvider: make([]uint64, poolSize)}
}

// RecordServed counts a request served by the provider at index.
func (c *StatsCollector) RecordServed(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index == 0 {
		c.primary++
	} else {
		c.secondary++
	}
	if index >= 0 && index < len(c.perProvider) {
		c.perProvider[index]++
	}
}

// RecordFailover counts one request that needed a secondary attempt.
func (c *StatsCollector) RecordFailover() {
	c.mu.Lock()
	c.failovers++
	c.mu.Unlock()
}

// NextRoundRobin returns cursor mod n and advances the cursor. Concurrent
// callers always observe distinct cursor values.
func (c *StatsCollector) NextRoundRobin(n int) int {
	if n <= 0 {
		return 0
	}
	c.mu.Lock()
	v := c.cursor
	c.cursor++
	c.mu.Unlock()
	return int(v % uint64(n))
}

func (c *StatsCollector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	per := make([]uint64, len(c.perProvider))
	copy(per, c.perProvider)

	return Stats{
		PrimaryRequests:   c.primary,
		SecondaryRequests: c.secondary,
		FailoverEvents:    c.failovers,
		RoundRobinCursor:  c.cursor,
		PerProvider:       per,
	}
}

// Reset zeroes every counter and the round-robin cursor.
func (c *StatsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.primary, c.secondary, c.failovers, c.cursor = 0, 0, 0, 0
	clear(c.perProvider)
}
