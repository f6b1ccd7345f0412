package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnouncement_EncodeParse(t *testing.T) {
	a := Announcement{Service: Service, Port: 6680, Version: "v1.0.0"}

	got, err := ParseAnnouncement(a.Encode())
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestParseAnnouncement_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "hello"},
		{"other service", `{"service":"printer","port":631}`},
		{"missing port", `{"service":"fog-coordinator"}`},
		{"port out of range", `{"service":"fog-coordinator","port":70000}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAnnouncement([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestCoordinatorURL(t *testing.T) {
	payload := Announcement{Service: Service, Port: 6680}.Encode()

	tests := []struct {
		address string
		want    string
	}{
		{"192.168.1.10", "http://192.168.1.10:6680/"},
		{"192.168.1.10:9999", "http://192.168.1.10:6680/"},
		{"fe80::1", "http://[fe80::1]:6680/"},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			got, err := CoordinatorURL(tt.address, payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := CoordinatorURL("192.168.1.10", []byte(`{"service":"x","port":1}`))
	assert.Error(t, err)
}
