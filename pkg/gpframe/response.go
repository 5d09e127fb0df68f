package gpframe

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Response is one server reply as seen by the card side.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Close reports whether the server asked for the connection to be closed.
func (r *Response) Close() bool {
	return strings.EqualFold(r.Headers.Get("Connection"), "close")
}

// WriteCommand writes a 200 response carrying the next C-APDU. keepAlive
// selects the Connection header; the session manager passes false once the
// session is closing.
func WriteCommand(w io.Writer, body []byte, keepAlive bool) error {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&buf, "Content-Type: %s\r\n", ContentTypeCommand)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(&buf, "%s: %s\r\n", HeaderAdminProtocol, AdminProtocolV1)
	buf.WriteString("Cache-Control: no-store\r\n")
	if keepAlive {
		buf.WriteString("Connection: keep-alive\r\n")
	} else {
		buf.WriteString("Connection: close\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteNoContent writes the 204 that ends an admin session.
func WriteNoContent(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 204 No Content\r\n")
	fmt.Fprintf(&buf, "%s: %s\r\n", HeaderAdminProtocol, AdminProtocolV1)
	buf.WriteString("Cache-Control: no-store\r\n")
	buf.WriteString("Connection: close\r\n")
	buf.WriteString("\r\n")

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteError writes an error status with no body and closes the exchange.
func WriteError(w io.Writer, status int, reason string) error {
	text := http.StatusText(status)
	if text == "" {
		status = http.StatusBadRequest
		text = http.StatusText(status)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, text)
	fmt.Fprintf(&buf, "X-Admin-Error: %s\r\n", reason)
	buf.WriteString("Content-Length: 0\r\n")
	buf.WriteString("Cache-Control: no-store\r\n")
	buf.WriteString("Connection: close\r\n")
	buf.WriteString("\r\n")

	_, err := w.Write(buf.Bytes())
	return err
}

// ReadResponse reads one server reply on the card side. A 204 carries no
// body regardless of headers.
func ReadResponse(r *bufio.Reader) (*Response, error) {
	line, err := readLine(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read status line: %w", err)
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return nil, badRequest("malformed_status_line")
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil || status < 100 || status > 599 {
		return nil, badRequest("malformed_status_line")
	}

	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}

	resp := &Response{StatusCode: status, Headers: headers}
	if status == http.StatusNoContent {
		return resp, nil
	}

	raw := headers.Get("Content-Length")
	if raw == "" {
		return resp, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil, badRequest("invalid_content_length")
	}
	if n > MaxBodySize {
		return nil, &FrameError{Status: http.StatusRequestEntityTooLarge, Reason: "body_too_large"}
	}
	if n > 0 {
		resp.Body = make([]byte, n)
		if _, err := io.ReadFull(r, resp.Body); err != nil {
			return nil, badRequest("truncated_body")
		}
	}

	return resp, nil
}
