package command

import (
	"strconv"
)

// Parameter is a typed key=value option following the command tag.
type Parameter interface {
	String() string
}

// Name selects the recording file name on RECORD_START.
type Name string

func (p Name) String() string {
	return "name=" + string(p)
}

// Port selects the media port on START. Without it the device sends to its
// configured media port.
type Port int

func (p Port) String() string {
	return "port=" + strconv.Itoa(int(p))
}

// Mode is an opaque camera mode hint carried on START.
type Mode string

func (p Mode) String() string {
	return "mode=" + string(p)
}
