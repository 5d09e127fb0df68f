// Package gpframe frames the GlobalPlatform Amendment B HTTP admin protocol.
//
// The protocol is pull-based HTTP/1.1: the card POSTs to the admin path with
// either an empty body (first contact) or the R-APDU answering the previous
// command, and the server replies with the next C-APDU or 204 No Content
// when the queue is drained. Bodies are raw APDU bytes, no base64 and no
// chunked transfer; Content-Length is mandatory on requests.
//
// The reader is deliberately tolerant of card-side HTTP stacks: it accepts
// both CR-LF and bare LF line endings, but bounds header count, header line
// length and body size.
package gpframe

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Media types and headers from GlobalPlatform Amendment B.
const (
	ContentTypeCommand  = "application/vnd.globalplatform.card-content-mgt"
	ContentTypeResponse = "application/vnd.globalplatform.card-content-mgt-response"

	HeaderAdminProtocol = "X-Admin-Protocol"
	AdminProtocolV1     = "globalPlatform.v1.0"
)

// Reader limits.
const (
	MaxHeaderCount = 32
	MaxHeaderLine  = 2048
	MaxBodySize    = 65536
)

// FrameError is a protocol-level framing failure carrying the HTTP status
// the server should answer with and a stable reason string.
type FrameError struct {
	Status int
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame error %d: %s", e.Status, e.Reason)
}

func badRequest(reason string) *FrameError {
	return &FrameError{Status: http.StatusBadRequest, Reason: reason}
}

// AsFrameError extracts a FrameError from err, if present.
func AsFrameError(err error) (*FrameError, bool) {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// readLine reads one header line, accepting CR-LF or LF endings and
// rejecting lines longer than MaxHeaderLine.
func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if sb.Len() >= MaxHeaderLine {
			return "", badRequest("header_line_too_long")
		}
		sb.WriteByte(b)
	}
	return strings.TrimSuffix(sb.String(), "\r"), nil
}

// readHeaders reads header lines up to the blank separator line. Keys are
// canonicalised with textproto casing so lookups are case-insensitive.
func readHeaders(r *bufio.Reader) (http.Header, error) {
	headers := make(http.Header)
	for i := 0; ; i++ {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		if i >= MaxHeaderCount {
			return nil, badRequest("too_many_headers")
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, badRequest("malformed_header")
		}
		headers.Add(name, strings.TrimSpace(value))
	}
}

// contentLength extracts and validates the mandatory Content-Length header.
func contentLength(headers http.Header) (int, error) {
	raw := headers.Get("Content-Length")
	if raw == "" {
		return 0, badRequest("missing_content_length")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("invalid_content_length")
	}
	if n > MaxBodySize {
		return 0, &FrameError{Status: http.StatusRequestEntityTooLarge, Reason: "body_too_large"}
	}
	return n, nil
}
