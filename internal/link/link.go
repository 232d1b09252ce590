// Package link tracks the coarse health of the active connection.
//
// The status is owned by the parent transport. The socket read/write paths
// only consult it to decide whether an error is worth logging: the first
// failure on a healthy link is reported and flips the link to KO, further
// failures stay silent until the parent sees traffic again and sets OK.
package link

// Status is the link health.
type Status int

const (
	KO Status = iota
	OK
)

func (s Status) String() string {
	if s == OK {
		return "ok"
	}
	return "ko"
}

// Tracker gives access to the parent-owned link status.
type Tracker interface {
	LinkStatus() Status
	SetLinkStatus(Status)
}

// State is a plain Tracker. It records how many transitions happened so
// owners can export it.
type State struct {
	status      Status
	transitions int
	onChange    func(from, to Status)
}

// NewState returns a State starting at initial.
func NewState(initial Status) *State {
	return &State{status: initial}
}

// LinkStatus implements Tracker.
func (s *State) LinkStatus() Status { return s.status }

// SetLinkStatus implements Tracker. Setting the current value is a no-op.
func (s *State) SetLinkStatus(status Status) {
	if status == s.status {
		return
	}
	from := s.status
	s.status = status
	s.transitions++
	if s.onChange != nil {
		s.onChange(from, status)
	}
}

// Transitions returns the number of status changes so far.
func (s *State) Transitions() int { return s.transitions }

// OnChange registers fn to run after each transition.
func (s *State) OnChange(fn func(from, to Status)) { s.onChange = fn }

// ShouldReport decides whether a non-transient I/O error must be logged.
// When tracking is enabled the link is flipped to KO on the first report.
func ShouldReport(t Tracker, track bool) bool {
	if !track || t == nil {
		return true
	}
	if t.LinkStatus() != OK {
		return false
	}
	t.SetLinkStatus(KO)
	return true
}
