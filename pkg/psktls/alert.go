package psktls

import "fmt"

// TLS alert levels.
const (
	alertLevelWarning = 1
	alertLevelError   = 2
)

// alert is a TLS alert description code.
type alert uint8

// Alert descriptions from RFC 5246 and RFC 4279.
const (
	alertCloseNotify        alert = 0
	alertUnexpectedMessage  alert = 10
	alertBadRecordMAC       alert = 20
	alertRecordOverflow     alert = 22
	alertHandshakeFailure   alert = 40
	alertIllegalParameter   alert = 47
	alertDecryptError       alert = 51
	alertProtocolVersion    alert = 70
	alertInternalError      alert = 80
	alertUnknownPSKIdentity alert = 115
)

var alertText = map[alert]string{
	alertCloseNotify:        "close_notify",
	alertUnexpectedMessage:  "unexpected_message",
	alertBadRecordMAC:       "bad_record_mac",
	alertRecordOverflow:     "record_overflow",
	alertHandshakeFailure:   "handshake_failure",
	alertIllegalParameter:   "illegal_parameter",
	alertDecryptError:       "decrypt_error",
	alertProtocolVersion:    "protocol_version",
	alertInternalError:      "internal_error",
	alertUnknownPSKIdentity: "unknown_psk_identity",
}

func (a alert) String() string {
	if s, ok := alertText[a]; ok {
		return s
	}
	return fmt.Sprintf("alert(%d)", uint8(a))
}

// AlertError is a fatal TLS alert received from the peer.
type AlertError struct {
	Description uint8
}

func (e *AlertError) Error() string {
	return fmt.Sprintf("tls: received alert: %s", alert(e.Description))
}

// DescriptionString returns the RFC name of the alert.
func (e *AlertError) DescriptionString() string {
	return alert(e.Description).String()
}
