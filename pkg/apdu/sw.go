package apdu

import "fmt"

// Well-known status words.
const (
	SWSuccess          uint16 = 0x9000
	SWWrongLength      uint16 = 0x6700
	SWInsNotSupported  uint16 = 0x6D00
	SWClaNotSupported  uint16 = 0x6E00
	SWFileNotFound     uint16 = 0x6A82
	SWDataNotFound     uint16 = 0x6A88
	SWSecurityStatus   uint16 = 0x6982
	SWConditionsNotMet uint16 = 0x6985
	SWNoDiagnosis      uint16 = 0x6F00
)

// SWClass is the coarse outcome class of a status word.
type SWClass int

const (
	SWClassUnknown SWClass = iota
	SWClassSuccess
	SWClassWarning
	SWClassError
)

func (c SWClass) String() string {
	switch c {
	case SWClassSuccess:
		return "success"
	case SWClassWarning:
		return "warning"
	case SWClassError:
		return "error"
	default:
		return "unknown"
	}
}

// Classify maps a status word to its outcome class: 9000/61xx/9xxx are
// success (91xx is the proactive-data variant used by UICCs), 62xx/63xx are
// warnings, 64xx-6Fxx are errors, everything else is unknown.
func Classify(sw uint16) SWClass {
	sw1 := byte(sw >> 8)
	switch {
	case sw1 == 0x90 || sw1 == 0x61 || sw1>>4 == 0x9:
		return SWClassSuccess
	case sw1 == 0x62 || sw1 == 0x63:
		return SWClassWarning
	case sw1 >= 0x64 && sw1 <= 0x6F:
		return SWClassError
	default:
		return SWClassUnknown
	}
}

// MoreData reports whether sw is 61xx and, if so, how many response bytes
// remain to be fetched with GET RESPONSE (xx=0 means 256).
func MoreData(sw uint16) (int, bool) {
	if sw>>8 != 0x61 {
		return 0, false
	}
	n := int(sw & 0xFF)
	if n == 0 {
		n = MaxShortLe
	}
	return n, true
}

// WrongLe reports whether sw is 6Cxx and, if so, the exact Le the command
// must be re-issued with.
func WrongLe(sw uint16) (int, bool) {
	if sw>>8 != 0x6C {
		return 0, false
	}
	n := int(sw & 0xFF)
	if n == 0 {
		n = MaxShortLe
	}
	return n, true
}

// RetryCounter reports whether sw is the 63Cx verification warning and, if
// so, the number of retries remaining.
func RetryCounter(sw uint16) (int, bool) {
	if sw&0xFFF0 != 0x63C0 {
		return 0, false
	}
	return int(sw & 0x000F), true
}

// FormatSW renders a status word the way card logs print it.
func FormatSW(sw uint16) string {
	return fmt.Sprintf("%04X", sw)
}
