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

// Response is a status channel response. The body is either Body or, for
// downloads, ContentLength bytes read from Stream.
type Response struct {
	Version       string
	Code          int
	Message       string
	Sequence      string
	Header        http.Header
	Body          []byte
	Stream        io.Reader
	ContentLength int64
}

func (r *Response) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	writer := textproto.NewWriter(bw)

	err := writer.PrintfLine("%s/%s %d %s", Protocol, r.Version, r.Code, r.Message)
	if err != nil {
		return fmt.Errorf("failed to write response line: %w", err)
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Header.Set("CSeq", r.Sequence)

	length := int64(len(r.Body))
	if r.Stream != nil {
		length = r.ContentLength
	}
	r.Header.Set("Content-Length", strconv.FormatInt(length, 10))

	if err := r.Header.Write(bw); err != nil {
		return fmt.Errorf("failed to write response headers: %w", err)
	}
	if err := writer.PrintfLine(""); err != nil {
		return err
	}

	if r.Stream != nil {
		if _, err := io.CopyN(bw, r.Stream, r.ContentLength); err != nil {
			return fmt.Errorf("failed to write response body: %w", err)
		}
	} else if _, err := bw.Write(r.Body); err != nil {
		return fmt.Errorf("failed to write response body: %w", err)
	}
	return bw.Flush()
}

// ReadResponse reads the status line and headers. The body is left on br for
// the caller, ContentLength bytes long.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	reader := textproto.NewReader(br)
	line, err := reader.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: malformed status line %q", ErrProtocol, line)
	}
	version, ok := parseVersion(parts[0])
	if !ok {
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrProtocol, parts[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse response code: %v", ErrProtocol, err)
	}
	message := ""
	if len(parts) == 3 {
		message = parts[2]
	}
	headers, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read headers: %v", ErrProtocol, err)
	}
	header := http.Header(headers)
	length, err := parseContentLength(header)
	if err != nil {
		return nil, err
	}
	return &Response{
		Version:       version,
		Code:          code,
		Message:       message,
		Sequence:      header.Get("CSeq"),
		Header:        header,
		ContentLength: length,
	}, nil
}

func newResponse(req *Request, code int) *Response {
	return &Response{
		Version:  Version,
		Code:     code,
		Message:  http.StatusText(code),
		Sequence: req.Sequence,
		Header:   http.Header{},
	}
}
