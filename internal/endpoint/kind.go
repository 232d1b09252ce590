package endpoint

import (
	"fmt"
	"strings"
)

// Kind classifies the traffic carried by a socket, for QoS marking.
type Kind int

const (
	Discovery Kind = iota
	Connection
	Command
	FTP
	Video
)

var kindNames = [...]string{
	Discovery:  "discovery",
	Connection: "connection",
	Command:    "command",
	FTP:        "ftp",
	Video:      "video",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range kindNames {
		if n == name {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown socket kind %q", text)
}

// IP precedence markings.
const (
	TOSInternetControl = 0xc0 // CS6
	TOSFlashOverride   = 0x80 // CS4
)

// TOS returns the IP TOS byte applied to sockets of this kind when QoS is
// enabled, 0 for none.
func (k Kind) TOS() int {
	switch k {
	case Command:
		return TOSInternetControl
	case Video:
		return TOSFlashOverride
	default:
		return 0
	}
}
