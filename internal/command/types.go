package command

import (
	"context"
	"errors"
	"net"
)

// MaxCommandBytes bounds a command datagram.
const MaxCommandBytes = 512

// Reply is the only datagram ever sent back on the command channel, in
// answer to PING.
const Reply = "PONG"

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMalformed      = errors.New("malformed command")
)

type Type string

const (
	TypeStart          Type = "START"
	TypeStop           Type = "STOP"
	TypeRecordStart    Type = "RECORD_START"
	TypeRecordStop     Type = "RECORD_STOP"
	TypeListRecordings Type = "LIST_RECORDINGS"
	TypePing           Type = "PING"
)

func (t Type) String() string {
	return string(t)
}

func (t Type) valid() bool {
	switch t {
	case TypeStart, TypeStop, TypeRecordStart, TypeRecordStop, TypeListRecordings, TypePing:
		return true
	}
	return false
}

// Handler receives every well formed command. HandleCommand must not block;
// the listener calls it from its read loop.
type Handler interface {
	HandleCommand(cmd Command, from net.Addr)
}

type HandlerFunc func(cmd Command, from net.Addr)

func (f HandlerFunc) HandleCommand(cmd Command, from net.Addr) {
	f(cmd, from)
}

// Sender delivers commands to the device. *Client implements it.
type Sender interface {
	Send(ctx context.Context, cmd Command) error
}
