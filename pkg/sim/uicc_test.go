package sim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardbench/scp81/pkg/apdu"
)

func TestSelectDefaultsToISD(t *testing.T) {
	u := NewUICC()

	resp := u.Handle(apdu.Command{CLA: 0x00, INS: apdu.InsSelect, P1: 0x04})
	assert.Equal(t, apdu.SWSuccess, resp.SW())
	assert.Equal(t, isdAID, u.Selected())

	// FCI template wrapping the AID.
	require.NotEmpty(t, resp.Data)
	assert.Equal(t, byte(0x6F), resp.Data[0])
	assert.True(t, bytes.Contains(resp.Data, isdAID))
}

func TestSelectByAID(t *testing.T) {
	u := NewUICC()
	aid := []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}

	resp := u.Handle(apdu.Command{CLA: 0x00, INS: apdu.InsSelect, P1: 0x04, Data: aid})
	assert.Equal(t, apdu.SWSuccess, resp.SW())
	assert.Equal(t, aid, u.Selected())
	assert.True(t, bytes.Contains(resp.Data, aid))
}

func TestGetStatusReportsISD(t *testing.T) {
	u := NewUICC()

	resp := u.Handle(apdu.Command{CLA: 0x80, INS: apdu.InsGetStatus, P1: 0x80, Data: []byte{0x4F, 0x00}})
	assert.Equal(t, apdu.SWSuccess, resp.SW())
	require.NotEmpty(t, resp.Data)
	assert.Equal(t, byte(0xE3), resp.Data[0])
	assert.True(t, bytes.Contains(resp.Data, isdAID))
}

func TestGetData(t *testing.T) {
	u := NewUICC()

	tests := []struct {
		name     string
		p1, p2   byte
		wantSW   uint16
		wantTag  byte
		wantData bool
	}{
		{"card recognition data", 0x00, 0x66, apdu.SWSuccess, 0x66, true},
		{"issuer identification number", 0x00, 0x42, apdu.SWSuccess, 0x42, true},
		{"card image number", 0x00, 0x45, apdu.SWSuccess, 0x45, true},
		{"unknown tag", 0x9F, 0x7F, apdu.SWDataNotFound, 0x00, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := u.Handle(apdu.Command{CLA: 0x80, INS: apdu.InsGetData, P1: tt.p1, P2: tt.p2})
			assert.Equal(t, tt.wantSW, resp.SW())
			if tt.wantData {
				require.NotEmpty(t, resp.Data)
				assert.Equal(t, tt.wantTag, resp.Data[0])
			} else {
				assert.Empty(t, resp.Data)
			}
		})
	}
}

func TestSecureChannelSequence(t *testing.T) {
	u := NewUICC()
	u.rand = bytes.NewReader(bytes.Repeat([]byte{0x5A}, 16))

	hostChallenge := bytes.Repeat([]byte{0x11}, 8)
	resp := u.Handle(apdu.Command{CLA: 0x80, INS: apdu.InsInitializeUpdate, Data: hostChallenge, Le: 256})
	assert.Equal(t, apdu.SWSuccess, resp.SW())
	require.Len(t, resp.Data, 28)
	assert.Equal(t, bytes.Repeat([]byte{0x5A}, 8), resp.Data[12:20])

	resp = u.Handle(apdu.Command{CLA: 0x84, INS: apdu.InsExternalAuthenticate, Data: bytes.Repeat([]byte{0x22}, 16)})
	assert.Equal(t, apdu.SWSuccess, resp.SW())

	// The challenge is consumed; a second authenticate needs a fresh
	// INITIALIZE UPDATE.
	resp = u.Handle(apdu.Command{CLA: 0x84, INS: apdu.InsExternalAuthenticate, Data: bytes.Repeat([]byte{0x22}, 16)})
	assert.Equal(t, apdu.SWConditionsNotMet, resp.SW())
}

func TestExternalAuthenticateWithoutChallenge(t *testing.T) {
	u := NewUICC()

	resp := u.Handle(apdu.Command{CLA: 0x84, INS: apdu.InsExternalAuthenticate})
	assert.Equal(t, apdu.SWConditionsNotMet, resp.SW())
}

func TestUnknownInstruction(t *testing.T) {
	u := NewUICC()

	resp := u.Handle(apdu.Command{CLA: 0x00, INS: 0xEE})
	assert.Equal(t, apdu.SWInsNotSupported, resp.SW())
	assert.Empty(t, resp.Data)
}

func TestRegisterOverridesHandler(t *testing.T) {
	u := NewUICC()
	u.Register(apdu.InsSelect, func(u *UICC, cmd apdu.Command) apdu.Response {
		return apdu.NewResponse(nil, apdu.SWFileNotFound)
	})

	resp := u.Handle(apdu.Command{CLA: 0x00, INS: apdu.InsSelect, Data: isdAID})
	assert.Equal(t, apdu.SWFileNotFound, resp.SW())
}
