// Package stats holds the process-wide counters reported by the stats
// command. Every counter is a sync/atomic value so connection handlers never
// contend on a lock shared with the store.
package stats

import (
	"sync/atomic"
	"time"
)

type Stats struct {
	started time.Time

	currConns     atomic.Int64
	totalConns    atomic.Uint64
	rejectedConns atomic.Uint64

	cmdGet       atomic.Uint64
	cmdSet       atomic.Uint64
	getHits      atomic.Uint64
	getMisses    atomic.Uint64
	deleteHits   atomic.Uint64
	deleteMisses atomic.Uint64
	incrHits     atomic.Uint64
	incrMisses   atomic.Uint64
	decrHits     atomic.Uint64
	decrMisses   atomic.Uint64
}

type Snapshot struct {
	Started time.Time
	Uptime  time.Duration

	CurrConnections     int64
	TotalConnections    uint64
	RejectedConnections uint64

	CmdGet       uint64
	CmdSet       uint64
	GetHits      uint64
	GetMisses    uint64
	DeleteHits   uint64
	DeleteMisses uint64
	IncrHits     uint64
	IncrMisses   uint64
	DecrHits     uint64
	DecrMisses   uint64
}

func New(started time.Time) *Stats {
	return &Stats{started: started}
}

// TryOpenConn reserves a connection slot. limit <= 0 means unlimited. The
// counter is only ever raised when the slot is granted, so it never
// overshoots the live set.
func (s *Stats) TryOpenConn(limit int) bool {
	for {
		cur := s.currConns.Load()
		if limit > 0 && cur >= int64(limit) {
			s.rejectedConns.Add(1)
			return false
		}
		if s.currConns.CompareAndSwap(cur, cur+1) {
			s.totalConns.Add(1)
			return true
		}
	}
}

// CloseConn releases a slot granted by TryOpenConn. Callers guarantee it runs
// exactly once per granted slot.
func (s *Stats) CloseConn() {
	s.currConns.Add(-1)
}

func (s *Stats) CurrConnections() int64 {
	return s.currConns.Load()
}

func (s *Stats) RecordGet(hit bool) {
	s.cmdGet.Add(1)
	if hit {
		s.getHits.Add(1)
	} else {
		s.getMisses.Add(1)
	}
}

func (s *Stats) RecordSet() {
	s.cmdSet.Add(1)
}

func (s *Stats) RecordDelete(hit bool) {
	record(hit, &s.deleteHits, &s.deleteMisses)
}

func (s *Stats) RecordIncr(hit bool) {
	record(hit, &s.incrHits, &s.incrMisses)
}

func (s *Stats) RecordDecr(hit bool) {
	record(hit, &s.decrHits, &s.decrMisses)
}

func record(hit bool, hits, misses *atomic.Uint64) {
	if hit {
		hits.Add(1)
		return
	}
	misses.Add(1)
}

func (s *Stats) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		Started:             s.started,
		Uptime:              now.Sub(s.started),
		CurrConnections:     s.currConns.Load(),
		TotalConnections:    s.totalConns.Load(),
		RejectedConnections: s.rejectedConns.Load(),
		CmdGet:              s.cmdGet.Load(),
		CmdSet:              s.cmdSet.Load(),
		GetHits:             s.getHits.Load(),
		GetMisses:           s.getMisses.Load(),
		DeleteHits:          s.deleteHits.Load(),
		DeleteMisses:        s.deleteMisses.Load(),
		IncrHits:            s.incrHits.Load(),
		IncrMisses:          s.incrMisses.Load(),
		DecrHits:            s.decrHits.Load(),
		DecrMisses:          s.decrMisses.Load(),
	}
}
