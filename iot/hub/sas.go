package hub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTokenLifetime is the validity of generated shared access signatures
const DefaultTokenLifetime = time.Hour

const sasPrefix = "SharedAccessSignature "

var (
	// ErrInvalidSignature is returned when a shared access signature does not match the key
	ErrInvalidSignature = errors.New("invalid shared access signature")
	// ErrTokenExpired is returned for shared access signatures past their expiry
	ErrTokenExpired = errors.New("shared access signature expired")
)

// SharedAccessSignature is a parsed SAS token
type SharedAccessSignature struct {
	// Resource is the decoded resource URI, e.g. "myhub.example.net/devices/dev1"
	Resource string
	// Signature is the base64 encoded HMAC
	Signature string
	// KeyName is the shared access policy. It is empty for device tokens.
	KeyName string
	Expiry  time.Time

	expiry string
}

// DeviceResourceURI returns the resource URI a device signs for
func DeviceResourceURI(hostname, deviceID string) string {
	return hostname + "/devices/" + url.PathEscape(deviceID)
}

// NewSharedAccessSignature creates a SAS token for the resource URI, signed with the base64 encoded key.
// keyName is optional.
func NewSharedAccessSignature(resourceURI, keyName, key string, expiry time.Time) (string, error) {
	se := strconv.FormatInt(expiry.Unix(), 10)
	sr := url.QueryEscape(resourceURI)
	sig, err := sign(sr, se, key)
	if err != nil {
		return "", err
	}
	token := sasPrefix + "sr=" + sr + "&sig=" + url.QueryEscape(sig) + "&se=" + se
	if len(keyName) > 0 {
		token += "&skn=" + url.QueryEscape(keyName)
	}
	return token, nil
}

// ParseSharedAccessSignature parses a token as created by NewSharedAccessSignature
func ParseSharedAccessSignature(token string) (SharedAccessSignature, error) {
	var s SharedAccessSignature
	if !strings.HasPrefix(token, sasPrefix) {
		return s, fmt.Errorf("%w: missing '%s' prefix", ErrInvalidSignature, strings.TrimSpace(sasPrefix))
	}
	values, err := url.ParseQuery(strings.TrimPrefix(token, sasPrefix))
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	s.Resource = values.Get("sr")
	s.Signature = values.Get("sig")
	s.KeyName = values.Get("skn")
	s.expiry = values.Get("se")
	if len(s.Resource) == 0 || len(s.Signature) == 0 || len(s.expiry) == 0 {
		return s, fmt.Errorf("%w: sr, sig and se are required", ErrInvalidSignature)
	}
	seconds, err := strconv.ParseInt(s.expiry, 10, 64)
	if err != nil {
		return s, fmt.Errorf("%w: bad expiry '%s'", ErrInvalidSignature, s.expiry)
	}
	s.Expiry = time.Unix(seconds, 0)
	return s, nil
}

// Verify checks the signature against the base64 encoded key and the expiry against now
func (s SharedAccessSignature) Verify(key string, now time.Time) error {
	if !now.Before(s.Expiry) {
		return ErrTokenExpired
	}
	expected, err := sign(url.QueryEscape(s.Resource), s.expiry, key)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(s.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func sign(encodedResource, expiry, key string) (string, error) {
	decodedKey, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("shared access key is not base64: %w", err)
	}
	mac := hmac.New(sha256.New, decodedKey)
	mac.Write([]byte(encodedResource + "\n" + expiry))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
