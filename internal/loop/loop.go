// Package loop provides the readiness notification capability the
// transport registers its socket with, and an epoll based implementation.
package loop

// Events is a readiness mask.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	Hangup
	Failed
)

func (e Events) String() string {
	s := ""
	for _, f := range []struct {
		bit  Events
		name string
	}{{Readable, "in"}, {Writable, "out"}, {Hangup, "hup"}, {Failed, "err"}} {
		if e&f.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// Callback is run on the loop goroutine when fd becomes ready.
type Callback func(fd int, events Events)

// EventSource registers file descriptors for readiness notifications.
type EventSource interface {
	Add(fd int, events Events, cb Callback) error
	Remove(fd int) error
}
