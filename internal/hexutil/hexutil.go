package hexutil

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Decode parses a hex string into bytes. Whitespace and colon separators are
// tolerated so operators can paste APDUs in any of the usual formats:
// "00A4040000", "00 A4 04 00 00", "00:a4:04:00:00".
func Decode(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, s)

	if len(cleaned)%2 != 0 {
		return nil, fmt.Errorf("hex string has odd length %d", len(cleaned))
	}

	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}

// Encode formats bytes as an uppercase hex string with no separators, the
// convention used in card logs and GlobalPlatform documents.
func Encode(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
