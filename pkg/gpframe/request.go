package gpframe

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Request is one inbound admin-protocol POST from the card.
type Request struct {
	Path          string
	Headers       http.Header
	AdminProtocol string
	Body          []byte
}

// HasResponse reports whether the request carries an R-APDU body, i.e. is
// not the initial empty fetch.
func (r *Request) HasResponse() bool {
	return len(r.Body) > 0
}

// ReadRequest reads and validates one admin-protocol request from the card.
// io.EOF is passed through untouched so callers can tell a cleanly closed
// connection from a protocol violation.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	line, err := readLine(r)
	if err != nil {
		if fe, ok := AsFrameError(err); ok {
			return nil, fe
		}
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read request line: %w", err)
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, badRequest("malformed_request_line")
	}
	method, path, proto := parts[0], parts[1], parts[2]
	if method != http.MethodPost {
		return nil, badRequest("method_not_allowed")
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return nil, badRequest("unsupported_http_version")
	}
	if path == "" || path[0] != '/' {
		return nil, badRequest("malformed_request_line")
	}

	headers, err := readHeaders(r)
	if err != nil {
		if fe, ok := AsFrameError(err); ok {
			return nil, fe
		}
		return nil, fmt.Errorf("read request headers: %w", err)
	}

	adminProto := headers.Get(HeaderAdminProtocol)
	if adminProto == "" {
		adminProto = AdminProtocolV1
	} else if adminProto != AdminProtocolV1 {
		return nil, &FrameError{Status: http.StatusNotImplemented, Reason: "unsupported_admin_protocol"}
	}

	n, err := contentLength(headers)
	if err != nil {
		return nil, err
	}

	var body []byte
	if n > 0 {
		body = make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, badRequest("truncated_body")
		}
	}

	return &Request{
		Path:          path,
		Headers:       headers,
		AdminProtocol: adminProto,
		Body:          body,
	}, nil
}

// WriteRequest writes one admin-protocol POST. body is nil on the initial
// fetch and carries the previous command's R-APDU afterwards.
func WriteRequest(w io.Writer, host, path string, body []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "POST %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&buf, "Host: %s\r\n", host)
	fmt.Fprintf(&buf, "%s: %s\r\n", HeaderAdminProtocol, AdminProtocolV1)
	if len(body) > 0 {
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", ContentTypeResponse)
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	buf.WriteString("\r\n")
	buf.Write(body)

	_, err := w.Write(buf.Bytes())
	return err
}
