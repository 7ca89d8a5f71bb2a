package hub

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "c2VjcmV0LWtleS1mb3ItdGVzdGluZy0xMjM0NTY3OA=="

func TestHostname(t *testing.T) {
	tests := []struct {
		raw  string
		host string
	}{
		{"HostName=myhub.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=abc=", "myhub.azure-devices.net"},
		{"HostName=localhost", "localhost"},
		{"HostName=h;", "h"},
		// nothing after the first segment is validated
		{"HostName=h;garbage", "h"},
	}
	for _, tt := range tests {
		host, err := Hostname(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.host, host)
	}
}

func TestHostnameMalformed(t *testing.T) {
	for _, raw := range []string{"", "HostName", "HostName=;x=y", "justtext"} {
		_, err := Hostname(raw)
		assert.True(t, errors.Is(err, ErrMalformedConnectionString), raw)
	}
}

func TestParseConnectionString(t *testing.T) {
	cs, err := ParseConnectionString("HostName=hub.example.net;SharedAccessKeyName=iothubowner;SharedAccessKey=" + testKey)
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net", cs.HostName)
	assert.Equal(t, "iothubowner", cs.SharedAccessKeyName)
	assert.Equal(t, testKey, cs.SharedAccessKey)
	assert.Empty(t, cs.DeviceID)

	again, err := ParseConnectionString(cs.String())
	require.NoError(t, err)
	assert.Equal(t, cs, again)

	_, err = ParseConnectionString("SharedAccessKeyName=x")
	assert.True(t, errors.Is(err, ErrMalformedConnectionString))

	_, err = ParseConnectionString("HostName=h;broken")
	assert.True(t, errors.Is(err, ErrMalformedConnectionString))
}

func TestSharedAccessSignature(t *testing.T) {
	resource := DeviceResourceURI("hub.example.net", "dev 1")
	expiry := time.Now().Add(time.Hour)
	token, err := NewSharedAccessSignature(resource, "", testKey, expiry)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "SharedAccessSignature sr="))
	assert.NotContains(t, token, "skn=")

	sas, err := ParseSharedAccessSignature(token)
	require.NoError(t, err)
	assert.Equal(t, resource, sas.Resource)
	assert.Equal(t, expiry.Unix(), sas.Expiry.Unix())
	assert.NoError(t, sas.Verify(testKey, time.Now()))

	otherKey := base64.StdEncoding.EncodeToString([]byte("another key"))
	assert.True(t, errors.Is(sas.Verify(otherKey, time.Now()), ErrInvalidSignature))
	assert.True(t, errors.Is(sas.Verify(testKey, expiry.Add(time.Second)), ErrTokenExpired))
}

func TestSharedAccessSignaturePolicy(t *testing.T) {
	token, err := NewSharedAccessSignature("hub.example.net", "iothubowner", testKey, time.Now().Add(time.Minute))
	require.NoError(t, err)
	sas, err := ParseSharedAccessSignature(token)
	require.NoError(t, err)
	assert.Equal(t, "iothubowner", sas.KeyName)
	assert.NoError(t, sas.Verify(testKey, time.Now()))
}

func TestSharedAccessSignatureErrors(t *testing.T) {
	_, err := NewSharedAccessSignature("hub", "", "not base64!", time.Now())
	assert.Error(t, err)

	for _, token := range []string{"", "Bearer abc", "SharedAccessSignature sr=a&se=1", "SharedAccessSignature sr=a&sig=b&se=soon"} {
		_, err := ParseSharedAccessSignature(token)
		assert.True(t, errors.Is(err, ErrInvalidSignature), token)
	}
}
