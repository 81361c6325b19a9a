package stats

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// Stats records running statistics of routed messages.
type Stats struct {
	mx       *sync.Mutex
	started  time.Time
	audience *welford.Stats
	bytes    *welford.Stats
	dropped  uint64
	rejected uint64
}

// Report represents statistics that we report externally
type Report struct {
	Started  string       `json:"started"`
	Clients  int          `json:"clients"`
	Rooms    int          `json:"rooms"`
	Dropped  uint64       `json:"dropped"`
	Rejected uint64       `json:"rejected"`
	Audience WelfordStats `json:"audience"`
	Bytes    WelfordStats `json:"bytes"`
}

// WelfordStats represents statistical values
type WelfordStats struct {
	Count  uint64  `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Stddev float64 `json:"stddev"`
}

func New() *Stats {
	return &Stats{
		mx:       &sync.Mutex{},
		started:  time.Now(),
		audience: welford.New(),
		bytes:    welford.New(),
	}
}

// Routed records one delivered message, audience is the number of recipients
// and size is the inbound payload length.
func (s *Stats) Routed(audience, size int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.audience.Add(float64(audience))
	s.bytes.Add(float64(size))
}

// Dropped records a message ignored because it was malformed or empty.
func (s *Stats) Dropped() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.dropped++
}

// Rejected records a message that had no routing target.
func (s *Stats) Rejected() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.rejected++
}

func (s *Stats) Report() Report {
	s.mx.Lock()
	defer s.mx.Unlock()
	return Report{
		Started:  s.started.Format(time.RFC3339),
		Dropped:  s.dropped,
		Rejected: s.rejected,
		Audience: newWelford(s.audience),
		Bytes:    newWelford(s.bytes),
	}
}

func newWelford(w *welford.Stats) WelfordStats {
	if w.Count() == 0 {
		return WelfordStats{}
	}
	return WelfordStats{
		Count:  w.Count(),
		Min:    w.Min(),
		Max:    w.Max(),
		Mean:   w.Mean(),
		Stddev: w.Stddev(),
	}
}
