package config

import (
	"strconv"
	"strings"
)

// Percent is a probability in percent, 0..100.
type Percent int

// UnmarshalText parses leniently: anything that is not an integer is 0,
// out of range values are clamped.
func (p *Percent) UnmarshalText(text []byte) error {
	n, err := strconv.Atoi(strings.TrimSpace(string(text)))
	if err != nil {
		*p = 0
		return nil
	}
	*p = Percent(n).clamp()
	return nil
}

func (p Percent) clamp() Percent {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func (p Percent) String() string {
	return strconv.Itoa(int(p)) + "%"
}
