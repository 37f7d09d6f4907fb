package model

// Stats are deployment-wide rendezvous counters
type Stats struct {
	Created         int64 `json:"created"`
	Succeeded       int64 `json:"succeeded"`
	NotSimultaneous int64 `json:"notSimultaneous"`
	TimedOut        int64 `json:"timedOut"`
	Resets          int64 `json:"resets"`
}

// StatsEvent names a counter in Stats
type StatsEvent string

const (
	StatsCreated         StatsEvent = "created"
	StatsSucceeded       StatsEvent = "succeeded"
	StatsNotSimultaneous StatsEvent = "notSimultaneous"
	StatsTimedOut        StatsEvent = "timedOut"
	StatsResets          StatsEvent = "resets"
)

// Add increments the counter named by ev by n
func (s *Stats) Add(ev StatsEvent, n int64) {
	switch ev {
	case StatsCreated:
		s.Created += n
	case StatsSucceeded:
		s.Succeeded += n
	case StatsNotSimultaneous:
		s.NotSimultaneous += n
	case StatsTimedOut:
		s.TimedOut += n
	case StatsResets:
		s.Resets += n
	}
}
