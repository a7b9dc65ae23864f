package status

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

type Request struct {
	Version  string
	Target   string
	Sequence string
	Method   Method
	Header   http.Header
}

func (r *Request) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	writer := textproto.NewWriter(bw)

	err := writer.PrintfLine("%s %s %s/%s", r.Method, r.Target, Protocol, r.Version)
	if err != nil {
		return fmt.Errorf("failed to write request line: %w", err)
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Header.Set("CSeq", r.Sequence)

	if err := r.Header.Write(bw); err != nil {
		return fmt.Errorf("failed to write request headers: %w", err)
	}
	if err := writer.PrintfLine(""); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadRequest reads one request. Requests never carry a body.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	reader := textproto.NewReader(br)
	line, err := reader.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed request line %q", ErrProtocol, line)
	}
	version, ok := parseVersion(parts[2])
	if !ok {
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrProtocol, parts[2])
	}
	headers, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read headers: %v", ErrProtocol, err)
	}
	header := http.Header(headers)
	return &Request{
		Version:  version,
		Target:   parts[1],
		Sequence: header.Get("CSeq"),
		Method:   Method(strings.ToUpper(parts[0])),
		Header:   header,
	}, nil
}

func parseVersion(s string) (string, bool) {
	proto, version, ok := strings.Cut(s, "/")
	if !ok || proto != Protocol || version == "" {
		return "", false
	}
	return version, true
}

func parseContentLength(h http.Header) (int64, error) {
	v := h.Get("Content-Length")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid content-length %q", ErrProtocol, v)
	}
	return n, nil
}
