package hub

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedConnectionString is returned for connection strings which cannot be parsed
var ErrMalformedConnectionString = errors.New("malformed connection string")

// ConnectionString is a parsed hub connection string
type ConnectionString struct {
	HostName            string
	SharedAccessKeyName string
	SharedAccessKey     string
	DeviceID            string
}

// Hostname returns the hub hostname from a raw connection string. It is the value
// following the first '=' in the first ';'-delimited segment; nothing else is
// looked at.
func Hostname(raw string) (string, error) {
	first := strings.SplitN(raw, ";", 2)[0]
	parts := strings.SplitN(first, "=", 2)
	if len(parts) != 2 || len(parts[1]) == 0 {
		return "", fmt.Errorf("%w: no hostname in '%s'", ErrMalformedConnectionString, first)
	}
	return parts[1], nil
}

// ParseConnectionString parses all segments of a connection string. Keys are matched
// case-insensitively, values keep everything after the first '=' since base64 keys
// end with padding.
func ParseConnectionString(raw string) (ConnectionString, error) {
	var cs ConnectionString
	for _, segment := range strings.Split(raw, ";") {
		segment = strings.TrimSpace(segment)
		if len(segment) == 0 {
			continue
		}
		kv := strings.SplitN(segment, "=", 2)
		if len(kv) != 2 {
			return cs, fmt.Errorf("%w: segment '%s' has no value", ErrMalformedConnectionString, segment)
		}
		switch strings.ToLower(kv[0]) {
		case "hostname":
			cs.HostName = kv[1]
		case "sharedaccesskeyname":
			cs.SharedAccessKeyName = kv[1]
		case "sharedaccesskey":
			cs.SharedAccessKey = kv[1]
		case "deviceid":
			cs.DeviceID = kv[1]
		}
	}
	if len(cs.HostName) == 0 {
		return cs, fmt.Errorf("%w: HostName is missing", ErrMalformedConnectionString)
	}
	return cs, nil
}

// String renders the connection string in its canonical form
func (cs ConnectionString) String() string {
	segments := []string{"HostName=" + cs.HostName}
	if len(cs.DeviceID) > 0 {
		segments = append(segments, "DeviceId="+cs.DeviceID)
	}
	if len(cs.SharedAccessKeyName) > 0 {
		segments = append(segments, "SharedAccessKeyName="+cs.SharedAccessKeyName)
	}
	if len(cs.SharedAccessKey) > 0 {
		segments = append(segments, "SharedAccessKey="+cs.SharedAccessKey)
	}
	return strings.Join(segments, ";")
}
