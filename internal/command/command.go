package command

import (
	"strings"
)

// Command is a parsed command datagram.
type Command struct {
	Type   Type
	Params []Parameter
}

func New(t Type, params ...Parameter) Command {
	return Command{Type: t, Params: params}
}

// Name returns the RECORD_START file name parameter, if any.
func (c Command) Name() string {
	for _, p := range c.Params {
		if n, ok := p.(Name); ok {
			return string(n)
		}
	}
	return ""
}

// Port returns the START media port parameter, or 0.
func (c Command) Port() int {
	for _, p := range c.Params {
		if n, ok := p.(Port); ok {
			return int(n)
		}
	}
	return 0
}

func (c Command) Mode() string {
	for _, p := range c.Params {
		if m, ok := p.(Mode); ok {
			return string(m)
		}
	}
	return ""
}

func (c Command) String() string {
	segments := []string{c.Type.String()}
	for _, p := range c.Params {
		segments = append(segments, p.String())
	}
	return strings.Join(segments, ";")
}

func (c Command) MarshalText() ([]byte, error) {
	if !c.Type.valid() {
		return nil, ErrUnknownCommand
	}
	b := []byte(c.String())
	if len(b) > MaxCommandBytes {
		return nil, ErrMalformed
	}
	return b, nil
}

func (c *Command) UnmarshalText(text []byte) error {
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
