package device

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// APIVersion is the hub api version used by device clients
const APIVersion = "2021-04-12"

// default settings of the Dialer
const (
	DefaultMQTTPort       = 8883
	DefaultHTTPSPort      = 443
	DefaultConnectTimeout = 30 * time.Second
	DefaultSendTimeout    = 30 * time.Second
)

// ErrInvalidAuth is returned for an Auth which is neither a symmetric key nor an X.509 credential
var ErrInvalidAuth = errors.New("invalid device authentication")

// Transport is the protocol spoken with the hub
type Transport string

// the supported transports
const (
	TransportMQTT  Transport = "mqtt"
	TransportHTTPS Transport = "https"
)

// ParseTransport parses a transport name case-insensitively. An empty name selects MQTT.
func ParseTransport(name string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", string(TransportMQTT):
		return TransportMQTT, nil
	case string(TransportHTTPS), "http", "http1":
		return TransportHTTPS, nil
	}
	return "", fmt.Errorf("unknown transport '%s'", name)
}

// Auth is the authentication of a device. Create it with SymmetricKey or X509.
type Auth struct {
	DeviceID   string
	Key        string
	Credential *tls.Certificate
}

// SymmetricKey returns shared access key authentication
func SymmetricKey(deviceID, key string) Auth {
	return Auth{DeviceID: deviceID, Key: key}
}

// X509 returns client certificate authentication
func X509(deviceID string, credential tls.Certificate) Auth {
	return Auth{DeviceID: deviceID, Credential: &credential}
}

// IsX509 reports whether the device authenticates with a client certificate
func (a Auth) IsX509() bool {
	return a.Credential != nil
}

// Validate checks that exactly one authentication mechanism is set
func (a Auth) Validate() error {
	if len(a.DeviceID) == 0 {
		return fmt.Errorf("%w: device id is missing", ErrInvalidAuth)
	}
	if (len(a.Key) > 0) == a.IsX509() {
		return fmt.Errorf("%w: need either a key or a certificate for device %s", ErrInvalidAuth, a.DeviceID)
	}
	return nil
}

// Client is a connected device
type Client interface {
	// SendEvent sends one device-to-cloud message
	SendEvent(ctx context.Context, payload []byte) error
	Close() error
}

// Connector connects devices to a hub
type Connector interface {
	Connect(ctx context.Context, hostname string, auth Auth) (Client, error)
}

// Telemetry is the message a freshly provisioned device sends
type Telemetry struct {
	DeviceID  string `json:"deviceId"`
	WindSpeed string `json:"windSpeed"`
}

// NewTelemetry returns the telemetry data point of the device
func NewTelemetry(deviceID string) Telemetry {
	return Telemetry{DeviceID: deviceID, WindSpeed: "100"}
}

// Payload returns the JSON encoding of the telemetry
func (t Telemetry) Payload() ([]byte, error) {
	return json.Marshal(t)
}

// Builder is a builder helper for the Dialer
type Builder struct {
	// Transport is the transport, MQTT if empty
	Transport Transport
	// RootCAs are the trusted server certificate authorities. The system pool is used if nil.
	RootCAs *x509.CertPool
	// Port overrides the default port of the transport
	Port int
	// ConnectTimeout limits the MQTT handshake and the HTTPS round trip
	ConnectTimeout time.Duration
	// SendTimeout limits the wait for a message acknowledgement
	SendTimeout time.Duration
	// TokenLifetime is the lifetime of shared access signatures
	TokenLifetime time.Duration
}

// Dialer implements Connector for the MQTT and HTTPS transports
type Dialer struct {
	transport      Transport
	rootCAs        *x509.CertPool
	port           int
	connectTimeout time.Duration
	sendTimeout    time.Duration
	tokenLifetime  time.Duration
}

var _ Connector = (*Dialer)(nil)

// NewDialer creates a dialer. A nil builder selects all defaults.
func NewDialer(b *Builder) *Dialer {
	if b == nil {
		b = &Builder{}
	}
	d := &Dialer{
		transport:      b.Transport,
		rootCAs:        b.RootCAs,
		port:           b.Port,
		connectTimeout: b.ConnectTimeout,
		sendTimeout:    b.SendTimeout,
		tokenLifetime:  b.TokenLifetime,
	}
	if len(d.transport) == 0 {
		d.transport = TransportMQTT
	}
	if d.connectTimeout == 0 {
		d.connectTimeout = DefaultConnectTimeout
	}
	if d.sendTimeout == 0 {
		d.sendTimeout = DefaultSendTimeout
	}
	if d.tokenLifetime == 0 {
		d.tokenLifetime = time.Hour
	}
	return d
}

// Transport returns the transport of the dialer
func (d *Dialer) Transport() Transport {
	return d.transport
}

// Connect implements Connector
func (d *Dialer) Connect(ctx context.Context, hostname string, auth Auth) (Client, error) {
	if err := auth.Validate(); err != nil {
		return nil, err
	}
	switch d.transport {
	case TransportMQTT:
		return d.connectMQTT(ctx, hostname, auth)
	case TransportHTTPS:
		return d.connectHTTPS(ctx, hostname, auth)
	}
	return nil, fmt.Errorf("unsupported transport '%s'", d.transport)
}

func (d *Dialer) tlsConfig(hostname string, auth Auth) *tls.Config {
	config := &tls.Config{
		RootCAs:    d.rootCAs,
		ServerName: hostname,
		MinVersion: tls.VersionTLS12,
	}
	if auth.IsX509() {
		config.Certificates = []tls.Certificate{*auth.Credential}
	}
	return config
}

func (d *Dialer) address(hostname string, defaultPort int) string {
	port := d.port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", hostname, port)
}
