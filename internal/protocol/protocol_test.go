package protocol_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Indra5196/iceoryx/internal/protocol"
)

func TestNewServiceDescription(t *testing.T) {
	tests := []struct {
		name                     string
		service, instance, event string
		wantErr                  error
	}{
		{"regular", "Radar", "FrontLeft", "Objects", nil},
		{"empty parts", "", "", "", nil},
		{"longest part", strings.Repeat("s", protocol.MaxIDStringLength), "i", "e", nil},
		{"part too long", strings.Repeat("s", protocol.MaxIDStringLength+1), "i", "e", protocol.ErrIDStringTooLong},
		{"wildcard is reserved", "Radar", protocol.Wildcard, "Objects", protocol.ErrReservedID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sd, err := protocol.NewServiceDescription(tt.service, tt.instance, tt.event)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.service, sd.Service())
			assert.Equal(t, tt.instance, sd.Instance())
			assert.Equal(t, tt.event, sd.Event())
		})
	}
}

func TestServiceDescriptionMatches(t *testing.T) {
	sd := protocol.MustServiceDescription("Radar", "FrontLeft", "Objects")
	w := protocol.Wildcard

	tests := []struct {
		service, instance, event string
		want                     bool
	}{
		{"Radar", "FrontLeft", "Objects", true},
		{w, "FrontLeft", "Objects", true},
		{"Radar", w, w, true},
		{w, w, w, true},
		{"Radar", "FrontRight", w, false},
		{"Lidar", w, w, false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sd.Matches(tt.service, tt.instance, tt.event), "%s/%s/%s", tt.service, tt.instance, tt.event)
	}

	var invalid protocol.ServiceDescription
	assert.False(t, invalid.IsValid())
	assert.True(t, invalid.Matches(w, w, w))
	assert.True(t, invalid.Matches("", "", ""))
	assert.True(t, sd.IsValid())
}

func TestServiceDescriptionEquality(t *testing.T) {
	a := protocol.MustServiceDescription("S", "I", "E")
	b := protocol.MustServiceDescription("S", "I", "E")
	c := protocol.MustServiceDescription("S", "I", "F")
	assert.True(t, a == b)
	assert.False(t, a == c)
	assert.Equal(t, "S/I/E", a.String())
	assert.Panics(t, func() { protocol.MustServiceDescription(protocol.Wildcard, "I", "E") })
}

func TestMessage(t *testing.T) {
	sd := protocol.MustServiceDescription("S", "I", "E")
	m := protocol.NewMessage(protocol.MessageConnect, sd, 3)
	m.HistoryCapacity = 4

	r := m.Reply(protocol.MessageConnectAck, 9)
	assert.Equal(t, protocol.MessageConnectAck, r.Type)
	assert.Equal(t, sd, r.Service)
	assert.Equal(t, uint64(9), r.PortID)
	assert.Zero(t, r.HistoryCapacity)
	assert.Nil(t, r.Queue)

	assert.Equal(t, "MessageConnect(S/I/E, port=3)", m.String())
	assert.Equal(t, "MessageType(42)", protocol.MessageType(42).String())
	assert.Equal(t, "SubTypeField", protocol.SubTypeField.String())
}
