package registry

import "strings"

// AuthenticationType is the hub's name for the authentication mechanism of a device
type AuthenticationType string

// the authentication types known to the hub
const (
	AuthenticationSAS                  AuthenticationType = "sas"
	AuthenticationSelfSigned           AuthenticationType = "selfSigned"
	AuthenticationCertificateAuthority AuthenticationType = "certificateAuthority"
	AuthenticationNone                 AuthenticationType = "none"
)

// Kind is the effective authentication kind of a device record
type Kind string

// the two kinds of device authentication
const (
	KindSymmetric Kind = "symmetric key"
	KindX509      Kind = "X509 certificate"
)

// SymmetricKey is a pair of shared access keys
type SymmetricKey struct {
	PrimaryKey   string `json:"primaryKey"`
	SecondaryKey string `json:"secondaryKey"`
}

// X509Thumbprint is a pair of SHA-1 certificate thumbprints
type X509Thumbprint struct {
	PrimaryThumbprint   string `json:"primaryThumbprint"`
	SecondaryThumbprint string `json:"secondaryThumbprint"`
}

// Authentication is the authentication mechanism of a device
type Authentication struct {
	Type           AuthenticationType `json:"type"`
	SymmetricKey   *SymmetricKey      `json:"symmetricKey,omitempty"`
	X509Thumbprint *X509Thumbprint    `json:"x509Thumbprint,omitempty"`
}

// Device is a device identity record
type Device struct {
	DeviceID        string         `json:"deviceId"`
	GenerationID    string         `json:"generationId,omitempty"`
	ETag            string         `json:"etag,omitempty"`
	Status          string         `json:"status,omitempty"`
	ConnectionState string         `json:"connectionState,omitempty"`
	Authentication  Authentication `json:"authentication"`
}

// NewSymmetricKeyDevice returns a device which asks the registry to generate its keys
func NewSymmetricKeyDevice(deviceID string) Device {
	return Device{
		DeviceID: deviceID,
		Authentication: Authentication{
			Type: AuthenticationSAS,
		},
	}
}

// NewX509Device returns a self-signed X.509 device with the two thumbprints. Only the
// thumbprints are part of the record, never any key material.
func NewX509Device(deviceID, primaryThumbprint, secondaryThumbprint string) Device {
	return Device{
		DeviceID: deviceID,
		Authentication: Authentication{
			Type: AuthenticationSelfSigned,
			X509Thumbprint: &X509Thumbprint{
				PrimaryThumbprint:   primaryThumbprint,
				SecondaryThumbprint: secondaryThumbprint,
			},
		},
	}
}

// Kind returns the effective kind of the record. A device is an X.509 device if and only
// if its primary thumbprint is set, whatever the type tag says.
func (d Device) Kind() Kind {
	if len(d.PrimaryThumbprint()) > 0 {
		return KindX509
	}
	return KindSymmetric
}

// PrimaryKey returns the primary symmetric key or an empty string
func (d Device) PrimaryKey() string {
	if d.Authentication.SymmetricKey == nil {
		return ""
	}
	return d.Authentication.SymmetricKey.PrimaryKey
}

// SecondaryKey returns the secondary symmetric key or an empty string
func (d Device) SecondaryKey() string {
	if d.Authentication.SymmetricKey == nil {
		return ""
	}
	return d.Authentication.SymmetricKey.SecondaryKey
}

// PrimaryThumbprint returns the primary thumbprint or an empty string
func (d Device) PrimaryThumbprint() string {
	if d.Authentication.X509Thumbprint == nil {
		return ""
	}
	return d.Authentication.X509Thumbprint.PrimaryThumbprint
}

// SecondaryThumbprint returns the secondary thumbprint or an empty string
func (d Device) SecondaryThumbprint() string {
	if d.Authentication.X509Thumbprint == nil {
		return ""
	}
	return d.Authentication.X509Thumbprint.SecondaryThumbprint
}

// NormalizeThumbprint returns the thumbprint as upper case hex without separators
func NormalizeThumbprint(thumbprint string) string {
	thumbprint = strings.ToUpper(thumbprint)
	return strings.NewReplacer(":", "", " ", "", "-", "").Replace(thumbprint)
}

// Outcome tells whether CreateDevice created a record or ran into an existing one
type Outcome int

// the outcomes of CreateDevice
const (
	Created Outcome = iota
	Conflict
)

func (o Outcome) String() string {
	if o == Conflict {
		return "conflict"
	}
	return "created"
}

// CreateResult is the result of CreateDevice.
//
// For Created, Device is the record as stored by the registry. For Conflict,
// ExistingID names the device that already exists and Device is empty.
type CreateResult struct {
	Outcome    Outcome
	Device     Device
	ExistingID string
}

// CreatedResult returns a Created result
func CreatedResult(device Device) CreateResult {
	return CreateResult{Outcome: Created, Device: device}
}

// ConflictResult returns a Conflict result
func ConflictResult(existingID string) CreateResult {
	return CreateResult{Outcome: Conflict, ExistingID: existingID}
}
