// Package sim implements the card side of the bench: a PSK-TLS client that
// drives the HTTP admin pull loop against a server, a virtual UICC answering
// the received C-APDUs, and a behaviour controller that injects errors and
// latency for resilience testing.
package sim

import (
	"crypto/rand"
	"io"

	"github.com/cardbench/scp81/pkg/apdu"
)

// Handler answers one C-APDU on the virtual card.
type Handler func(u *UICC, cmd apdu.Command) apdu.Response

// isdAID is the issuer security domain AID the virtual card reports.
var isdAID = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00}

// UICC is a virtual card: a lookup table from instruction byte to handler
// plus the small amount of state the GlobalPlatform commands share.
// Instructions without a handler are answered with SW 6D00.
//
// A UICC serves a single pull loop; it is not safe for concurrent use.
type UICC struct {
	handlers map[byte]Handler

	selected  []byte
	challenge []byte

	// rand feeds the synthetic card challenge and cryptogram.
	rand io.Reader
}

// NewUICC builds a card with the default GlobalPlatform command set:
// SELECT, GET STATUS, GET DATA, INITIALIZE UPDATE and EXTERNAL
// AUTHENTICATE.
func NewUICC() *UICC {
	u := &UICC{
		handlers: make(map[byte]Handler),
		rand:     rand.Reader,
	}
	u.Register(apdu.InsSelect, handleSelect)
	u.Register(apdu.InsGetStatus, handleGetStatus)
	u.Register(apdu.InsGetData, handleGetData)
	u.Register(apdu.InsInitializeUpdate, handleInitializeUpdate)
	u.Register(apdu.InsExternalAuthenticate, handleExternalAuthenticate)
	return u
}

// Register installs or replaces the handler for one instruction byte.
func (u *UICC) Register(ins byte, h Handler) {
	u.handlers[ins] = h
}

// Handle answers one command.
func (u *UICC) Handle(cmd apdu.Command) apdu.Response {
	h, ok := u.handlers[cmd.INS]
	if !ok {
		return apdu.NewResponse(nil, apdu.SWInsNotSupported)
	}
	return h(u, cmd)
}

// Selected returns the AID of the currently selected application.
func (u *UICC) Selected() []byte {
	return u.selected
}

// tlv prepends a one-byte tag and length to value. Good for the short
// synthetic objects the card serves; none of them exceed 127 bytes.
func tlv(tag byte, value []byte) []byte {
	out := make([]byte, 0, len(value)+2)
	out = append(out, tag, byte(len(value)))
	return append(out, value...)
}

// handleSelect selects by AID from the data field; an empty data field
// selects the ISD. Returns an FCI template.
func handleSelect(u *UICC, cmd apdu.Command) apdu.Response {
	aid := cmd.Data
	if len(aid) == 0 {
		aid = isdAID
	}
	u.selected = append([]byte(nil), aid...)

	fci := tlv(0x6F, append(tlv(0x84, u.selected), tlv(0xA5, nil)...))
	return apdu.NewResponse(fci, apdu.SWSuccess)
}

// handleGetStatus answers every P1 subset with the ISD registry entry:
// AID plus life cycle OP_READY.
func handleGetStatus(u *UICC, cmd apdu.Command) apdu.Response {
	entry := append(tlv(0x4F, isdAID), 0x9F, 0x70, 0x01, 0x01)
	return apdu.NewResponse(tlv(0xE3, entry), apdu.SWSuccess)
}

// gpOID is the GlobalPlatform OID arc {globalPlatform} with the given
// suffix appended.
func gpOID(suffix ...byte) []byte {
	return append([]byte{0x2A, 0x86, 0x48, 0x86, 0xFC, 0x6B}, suffix...)
}

// handleGetData serves the card data objects the platform queries during
// discovery. Unknown tags get SW 6A88.
func handleGetData(u *UICC, cmd apdu.Command) apdu.Response {
	tag := uint16(cmd.P1)<<8 | uint16(cmd.P2)
	switch tag {
	case 0x0066:
		// Card recognition data: the GP OID family inside tag 73.
		inner := append(tlv(0x06, gpOID(0x01)), tlv(0x60, tlv(0x06, gpOID(0x02, 0x02, 0x01, 0x01)))...)
		return apdu.NewResponse(tlv(0x66, tlv(0x73, inner)), apdu.SWSuccess)
	case 0x0042:
		// Issuer identification number.
		return apdu.NewResponse(tlv(0x42, []byte{0x01, 0x02, 0x03, 0x04, 0x05}), apdu.SWSuccess)
	case 0x0045:
		// Card image number.
		return apdu.NewResponse(tlv(0x45, []byte{0x0A, 0x0B, 0x0C, 0x0D}), apdu.SWSuccess)
	default:
		return apdu.NewResponse(nil, apdu.SWDataNotFound)
	}
}

// handleInitializeUpdate answers with key diversification data, key info,
// a fresh card challenge and a synthetic cryptogram.
func handleInitializeUpdate(u *UICC, cmd apdu.Command) apdu.Response {
	challenge := make([]byte, 8)
	cryptogram := make([]byte, 8)
	if _, err := u.rand.Read(challenge); err != nil {
		return apdu.NewResponse(nil, apdu.SWConditionsNotMet)
	}
	if _, err := u.rand.Read(cryptogram); err != nil {
		return apdu.NewResponse(nil, apdu.SWConditionsNotMet)
	}
	u.challenge = challenge

	resp := make([]byte, 0, 28)
	resp = append(resp, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09)
	resp = append(resp, 0x20, 0x02)
	resp = append(resp, challenge...)
	resp = append(resp, cryptogram...)
	return apdu.NewResponse(resp, apdu.SWSuccess)
}

// handleExternalAuthenticate accepts any host cryptogram and MAC, but only
// after an INITIALIZE UPDATE issued a challenge.
func handleExternalAuthenticate(u *UICC, cmd apdu.Command) apdu.Response {
	if u.challenge == nil {
		return apdu.NewResponse(nil, apdu.SWConditionsNotMet)
	}
	u.challenge = nil
	return apdu.NewResponse(nil, apdu.SWSuccess)
}
