package command

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Parse decodes a command datagram: a case-insensitive tag optionally
// followed by key=value parameters separated by ';' or whitespace.
func Parse(b []byte) (Command, error) {
	if len(b) > MaxCommandBytes {
		return Command{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformed, len(b), MaxCommandBytes)
	}
	if !utf8.Valid(b) {
		return Command{}, fmt.Errorf("%w: invalid utf-8", ErrMalformed)
	}
	parts := strings.FieldsFunc(string(b), func(r rune) bool {
		return r == ';' || unicode.IsSpace(r)
	})
	if len(parts) < 1 {
		return Command{}, fmt.Errorf("%w: empty datagram", ErrMalformed)
	}

	cmd := Command{Type: Type(strings.ToUpper(parts[0]))}
	if !cmd.Type.valid() {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, parts[0])
	}

	for _, part := range parts[1:] {
		p, err := parseParameter(part)
		if err != nil {
			return Command{}, err
		}
		cmd.Params = append(cmd.Params, p)
	}
	return cmd, nil
}

func parseParameter(part string) (Parameter, error) {
	key, value, ok := strings.Cut(part, "=")
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: parameter %q expected key=value", ErrMalformed, part)
	}
	switch strings.ToLower(key) {
	case "name":
		if value != filepath.Base(value) || value == "." || value == ".." {
			return nil, fmt.Errorf("%w: name %q must be a plain file name", ErrMalformed, value)
		}
		return Name(value), nil
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("%w: invalid port %q", ErrMalformed, value)
		}
		return Port(port), nil
	case "mode":
		return Mode(value), nil
	default:
		return nil, fmt.Errorf("%w: unexpected parameter %s", ErrMalformed, key)
	}
}
