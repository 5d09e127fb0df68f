// Package apdu implements the ISO/IEC 7816-4 APDU codec used by the admin
// protocol: command encoding over cases 1-4 with short and extended lengths,
// strict command/response parsing, and status-word classification.
//
// A command consists of a 4-byte header (CLA INS P1 P2) and an optional body:
//
//	Case 1: header only
//	Case 2: header + Le
//	Case 3: header + Lc + data
//	Case 4: header + Lc + data + Le
//
// Short length encodes Lc/Le on one byte (max 255/256, 0x00 means 256 for
// Le). Extended length is selected when Lc > 255 or Le > 256 and encodes
// both on two bytes behind a zero marker byte (0x0000 means 65536 for Le).
package apdu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Length limits from ISO 7816-3.
const (
	MaxShortLc    = 255
	MaxShortLe    = 256
	MaxExtendedLc = 65535
	MaxExtendedLe = 65536
)

// Instruction bytes the platform exchanges with UICCs.
const (
	InsSelect               = 0xA4
	InsGetStatus            = 0xF2
	InsGetData              = 0xCA
	InsGetResponse          = 0xC0
	InsInitializeUpdate     = 0x50
	InsExternalAuthenticate = 0x82
)

// MalformedError reports an APDU that violates the ISO 7816-4 encoding
// rules. Reason is a stable machine-readable string suitable for events.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed apdu: %s", e.Reason)
}

// IsMalformed reports whether err is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// Command is a C-APDU. Le is the expected response length: 0 means absent,
// otherwise 1..65536.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
	Le   int
}

// GetResponse builds the GET RESPONSE command that retrieves le pending
// bytes after a 61xx status word.
func GetResponse(le int) Command {
	return Command{CLA: 0x00, INS: InsGetResponse, Le: le}
}

// Encode serialises the command, choosing short or extended length encoding
// from the data and Le sizes.
func (c Command) Encode() ([]byte, error) {
	nc := len(c.Data)
	if nc > MaxExtendedLc {
		return nil, &MalformedError{Reason: "data_too_long"}
	}
	if c.Le < 0 || c.Le > MaxExtendedLe {
		return nil, &MalformedError{Reason: "le_out_of_range"}
	}

	extended := nc > MaxShortLc || c.Le > MaxShortLe

	buf := new(bytes.Buffer)
	buf.WriteByte(c.CLA)
	buf.WriteByte(c.INS)
	buf.WriteByte(c.P1)
	buf.WriteByte(c.P2)

	if nc > 0 {
		if extended {
			buf.WriteByte(0x00)
			_ = binary.Write(buf, binary.BigEndian, uint16(nc))
		} else {
			buf.WriteByte(byte(nc))
		}
		buf.Write(c.Data)
	}

	if c.Le > 0 {
		if extended {
			// Case 2 extended carries its own zero marker.
			if nc == 0 {
				buf.WriteByte(0x00)
			}
			if c.Le == MaxExtendedLe {
				buf.WriteByte(0x00)
				buf.WriteByte(0x00)
			} else {
				_ = binary.Write(buf, binary.BigEndian, uint16(c.Le))
			}
		} else {
			if c.Le == MaxShortLe {
				buf.WriteByte(0x00)
			} else {
				buf.WriteByte(byte(c.Le))
			}
		}
	}

	return buf.Bytes(), nil
}

// DecodeCommand parses a C-APDU. Parsing is strict: the total length must
// match the declared Lc/Le fields exactly, trailing bytes are rejected.
func DecodeCommand(raw []byte) (Command, error) {
	if len(raw) < 4 {
		return Command{}, &MalformedError{Reason: "too_short"}
	}

	cmd := Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3]}
	body := raw[4:]

	switch {
	case len(body) == 0:
		// Case 1.
		return cmd, nil

	case len(body) == 1:
		// Case 2 short.
		cmd.Le = shortLe(body[0])
		return cmd, nil

	case body[0] != 0x00:
		// Short Lc present.
		lc := int(body[0])
		switch len(body) {
		case 1 + lc:
			// Case 3 short.
			cmd.Data = cloneBytes(body[1 : 1+lc])
			return cmd, nil
		case 1 + lc + 1:
			// Case 4 short.
			cmd.Data = cloneBytes(body[1 : 1+lc])
			cmd.Le = shortLe(body[1+lc])
			return cmd, nil
		default:
			return Command{}, &MalformedError{Reason: "length_mismatch"}
		}

	default:
		// Extended length: zero marker then 2-byte fields.
		if len(body) < 3 {
			return Command{}, &MalformedError{Reason: "length_mismatch"}
		}
		if len(body) == 3 {
			// Case 2 extended.
			cmd.Le = extendedLe(binary.BigEndian.Uint16(body[1:3]))
			return cmd, nil
		}
		lc := int(binary.BigEndian.Uint16(body[1:3]))
		if lc == 0 {
			return Command{}, &MalformedError{Reason: "length_mismatch"}
		}
		switch len(body) {
		case 3 + lc:
			// Case 3 extended.
			cmd.Data = cloneBytes(body[3 : 3+lc])
			return cmd, nil
		case 3 + lc + 2:
			// Case 4 extended.
			cmd.Data = cloneBytes(body[3 : 3+lc])
			cmd.Le = extendedLe(binary.BigEndian.Uint16(body[3+lc:]))
			return cmd, nil
		default:
			return Command{}, &MalformedError{Reason: "length_mismatch"}
		}
	}
}

// Response is an R-APDU: optional data followed by the two status bytes.
type Response struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// NewResponse builds a response from data and a 16-bit status word.
func NewResponse(data []byte, sw uint16) Response {
	return Response{Data: data, SW1: byte(sw >> 8), SW2: byte(sw)}
}

// SW returns the status word as a single 16-bit value.
func (r Response) SW() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// Encode serialises the response as data followed by SW1 SW2.
func (r Response) Encode() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	out = append(out, r.SW1, r.SW2)
	return out
}

// DecodeResponse parses an R-APDU. At least the two status bytes must be
// present.
func DecodeResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, &MalformedError{Reason: "too_short"}
	}
	return Response{
		Data: cloneBytes(raw[:len(raw)-2]),
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

func shortLe(b byte) int {
	if b == 0x00 {
		return MaxShortLe
	}
	return int(b)
}

func extendedLe(v uint16) int {
	if v == 0 {
		return MaxExtendedLe
	}
	return int(v)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
