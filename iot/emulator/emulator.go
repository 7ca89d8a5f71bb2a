/*Package emulator provides a local IoT hub for development and tests

The emulator keeps device identities in a DeviceStore (see package store) and offers

  - the registry REST API used by registry.Client, authorized with a shared access
    signature of the service policy:

	PUT  /devices/{id}
	GET  /devices/{id}
	GET  /devices?top={n}
	POST /devices                     (bulk removal)

  - device-to-cloud telemetry over HTTPS, authorized with a device shared access signature
    or a registered client certificate:

	POST /devices/{id}/messages/events

  - an MQTT broker accepting the same device credentials (see Broker). Devices may only
    publish to devices/{id}/messages/events/ and subscribe to devices/{id}/messages/devicebound/,
    where Broker.SendToDevice delivers cloud-to-device messages.

Device twins are not emulated.
*/
package emulator

import (
	"context"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/hub"
	"github.com/relabs-tech/iotcerts/iot/registry"
)

// DeviceStore is the device storage of the emulator
type DeviceStore interface {
	registry.Registry
	// FindByThumbprint returns a device registered with the thumbprint
	FindByThumbprint(ctx context.Context, thumbprint string) (registry.Device, error)
}

// TelemetryHandler receives device-to-cloud messages
type TelemetryHandler func(ctx context.Context, deviceID string, payload []byte)

// Emulator is a local IoT hub
type Emulator struct {
	store       DeviceStore
	hostName    string
	policyName  string
	policyKey   string
	onTelemetry TelemetryHandler
}

// Builder is a builder helper for the Emulator
type Builder struct {
	// Store holds the device identities. This is mandatory.
	Store DeviceStore
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// HostName is the host name of the hub, the audience of all shared access signatures.
	// This is mandatory.
	HostName string
	// PolicyName is the name of the service policy, e.g. iothubowner. This is mandatory.
	PolicyName string
	// PolicyKey is the base64 encoded key of the service policy. This is mandatory.
	PolicyKey string
	// OnTelemetry is called for every accepted device-to-cloud message. The default
	// logs the message.
	OnTelemetry TelemetryHandler
}

// New realizes the emulator and adds its routes to the router
func New(b *Builder) *Emulator {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Router == nil {
		panic("router is missing")
	}
	if len(b.HostName) == 0 {
		panic("host name is missing")
	}
	if len(b.PolicyName) == 0 || len(b.PolicyKey) == 0 {
		panic("service policy is missing")
	}

	e := &Emulator{
		store:       b.Store,
		hostName:    b.HostName,
		policyName:  b.PolicyName,
		policyKey:   b.PolicyKey,
		onTelemetry: b.OnTelemetry,
	}
	if e.onTelemetry == nil {
		e.onTelemetry = func(ctx context.Context, deviceID string, payload []byte) {
			logger.FromContext(ctx).Infof("telemetry from %s: %s", deviceID, payload)
		}
	}
	e.handleRoutes(b.Router)
	return e
}

// HostName returns the host name of the hub
func (e *Emulator) HostName() string {
	return e.hostName
}

// ConnectionString returns the service connection string of the hub
func (e *Emulator) ConnectionString() string {
	return hub.ConnectionString{
		HostName:            e.hostName,
		SharedAccessKeyName: e.policyName,
		SharedAccessKey:     e.policyKey,
	}.String()
}
