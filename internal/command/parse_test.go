package command

import (
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Type
		name string
		port int
	}{
		{"START", TypeStart, "", 0},
		{"  stop\n", TypeStop, "", 0},
		{"Record_Start", TypeRecordStart, "", 0},
		{"RECORD_START;name=clip.mjpeg", TypeRecordStart, "clip.mjpeg", 0},
		{"RECORD_START name=clip.mjpeg", TypeRecordStart, "clip.mjpeg", 0},
		{"START;port=6000", TypeStart, "", 6000},
		{"RECORD_STOP", TypeRecordStop, "", 0},
		{"LIST_RECORDINGS", TypeListRecordings, "", 0},
		{"ping", TypePing, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cmd, err := Parse([]byte(tt.in))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if cmd.Type != tt.want || cmd.Name() != tt.name || cmd.Port() != tt.port {
				t.Errorf("got %s", cmd)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"", ErrMalformed},
		{"   ", ErrMalformed},
		{"REWIND", ErrUnknownCommand},
		{"START;bogus=1", ErrMalformed},
		{"START;port=70000", ErrMalformed},
		{"RECORD_START;name=../etc/passwd", ErrMalformed},
		{"RECORD_START;name", ErrMalformed},
		{"START" + strings.Repeat(" ", MaxCommandBytes), ErrMalformed},
		{"\xff\xfe", ErrMalformed},
	}
	for _, tt := range tests {
		if _, err := Parse([]byte(tt.in)); !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestMarshalText(t *testing.T) {
	b, err := New(TypeRecordStart, Name("a.mjpeg")).MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if string(b) != "RECORD_START;name=a.mjpeg" {
		t.Errorf("got %q", b)
	}

	var cmd Command
	if err := cmd.UnmarshalText(b); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if cmd.Type != TypeRecordStart || cmd.Name() != "a.mjpeg" {
		t.Errorf("got %s", cmd)
	}

	if _, err := New(Type("NOPE")).MarshalText(); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("got %v, want ErrUnknownCommand", err)
	}
}
