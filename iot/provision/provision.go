/*Package provision implements the device workflows of the console: adding a device with
symmetric key or X.509 authentication and removing all devices

The workflows take structured input and return structured results. They never prompt and
never print; presenting results is up to the caller.
*/
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/certs"
	"github.com/relabs-tech/iotcerts/iot/device"
	"github.com/relabs-tech/iotcerts/iot/registry"
)

// DeleteBatchLimit is the maximum number of devices removed by DeleteAll
const DeleteBatchLimit = 1000

// Provisioner runs the workflows against a registry and a hub
type Provisioner struct {
	registry  registry.Registry
	connector device.Connector
	hostname  string
}

// New returns a provisioner. Devices connect to hostname through connector.
func New(reg registry.Registry, connector device.Connector, hostname string) *Provisioner {
	if reg == nil {
		panic("registry is missing")
	}
	if connector == nil {
		panic("connector is missing")
	}
	return &Provisioner{registry: reg, connector: connector, hostname: hostname}
}

// Result is the outcome of adding a device.
//
// If Created is true, Device is the new record and SendErr tells whether the telemetry
// message went through. Otherwise Device is the record which already existed and no
// message has been sent.
type Result struct {
	DeviceID      string
	Created       bool
	Device        registry.Device
	AttemptedKind registry.Kind
	ExistingKind  registry.Kind
	SendErr       error
}

// KindMismatch reports whether an existing device uses another kind of authentication
// than the one requested
func (r Result) KindMismatch() bool {
	return !r.Created && r.ExistingKind != r.AttemptedKind
}

// AddSymmetric creates a device with registry generated keys, connects it with the
// primary key and sends one telemetry message
func (p *Provisioner) AddSymmetric(ctx context.Context, deviceID string) (Result, error) {
	ctx, rlog := logger.ContextWithDevice(ctx, deviceID)
	result, err := p.create(ctx, registry.NewSymmetricKeyDevice(deviceID), registry.KindSymmetric)
	if err != nil || !result.Created {
		return result, err
	}
	rlog.Infoln("device added with symmetric keys")
	result.SendErr = p.sendTelemetry(ctx, device.SymmetricKey(deviceID, result.Device.PrimaryKey()))
	return result, nil
}

// AddX509 creates a device with the thumbprints of the two pairs, connects it with the
// primary credential and sends one telemetry message. Only thumbprints are sent to the
// registry.
func (p *Provisioner) AddX509(ctx context.Context, deviceID string, primary, secondary certs.Pair) (Result, error) {
	ctx, rlog := logger.ContextWithDevice(ctx, deviceID)
	d := registry.NewX509Device(deviceID, primary.Thumbprint(), secondary.Thumbprint())
	result, err := p.create(ctx, d, registry.KindX509)
	if err != nil || !result.Created {
		return result, err
	}
	rlog.Infoln("device added with X509 thumbprints")
	result.SendErr = p.sendTelemetry(ctx, device.X509(deviceID, primary.Credential))
	return result, nil
}

func (p *Provisioner) create(ctx context.Context, d registry.Device, kind registry.Kind) (Result, error) {
	result := Result{DeviceID: d.DeviceID, AttemptedKind: kind}
	res, err := p.registry.CreateDevice(ctx, d)
	if err != nil {
		return result, fmt.Errorf("cannot add device %s: %w", d.DeviceID, err)
	}
	if res.Outcome == registry.Created {
		result.Created = true
		result.Device = res.Device
		return result, nil
	}

	existing, err := p.registry.GetDevice(ctx, res.ExistingID)
	if err != nil {
		return result, fmt.Errorf("device %s exists but cannot be read: %w", res.ExistingID, err)
	}
	result.Device = existing
	result.ExistingKind = existing.Kind()
	logger.FromContext(ctx).Infof("device already exists with %s authentication", result.ExistingKind)
	return result, nil
}

func (p *Provisioner) sendTelemetry(ctx context.Context, auth device.Auth) error {
	rlog := logger.FromContext(ctx)
	payload, err := device.NewTelemetry(auth.DeviceID).Payload()
	if err != nil {
		return err
	}
	client, err := p.connector.Connect(ctx, p.hostname, auth)
	if err != nil {
		rlog.WithError(err).Warnln("cannot connect device")
		return err
	}
	defer client.Close()
	if err := client.SendEvent(ctx, payload); err != nil {
		rlog.WithError(err).Warnln("cannot send telemetry")
		return err
	}
	rlog.Infoln("telemetry sent")
	return nil
}

// DeleteResult is the outcome of DeleteAll. Err is set if the removal failed; the
// devices which could not be removed are not counted in Removed.
type DeleteResult struct {
	Listed  int
	Removed int
	Err     error
}

// DeleteAll removes up to DeleteBatchLimit devices in one batch. Only a failure to list the
// devices is returned as error, removal failures are reported in the result.
func (p *Provisioner) DeleteAll(ctx context.Context) (DeleteResult, error) {
	rlog := logger.FromContext(ctx)
	devices, err := p.registry.ListDevices(ctx, DeleteBatchLimit)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("cannot list devices: %w", err)
	}
	result := DeleteResult{Listed: len(devices)}
	if len(devices) == 0 {
		result.Err = registry.ErrNothingToRemove
		return result, nil
	}

	err = p.registry.RemoveDevices(ctx, devices)
	result.Removed = len(devices)
	if err != nil {
		result.Err = err
		var bulkErr *registry.BulkError
		if errors.As(err, &bulkErr) {
			result.Removed -= len(bulkErr.Errors)
		} else {
			result.Removed = 0
		}
		rlog.WithError(err).Warnf("removed %d of %d devices", result.Removed, result.Listed)
		return result, nil
	}
	rlog.Infof("removed %d devices", result.Removed)
	return result, nil
}

// CertChoice selects the certificate pairs of an X.509 device
type CertChoice struct {
	// Embedded selects the bundled pairs, all paths are ignored
	Embedded bool

	PrimaryCRT string
	PrimaryPFX string

	// Secondary is false if the primary pair should be used as secondary as well
	Secondary    bool
	SecondaryCRT string
	SecondaryPFX string
}

// ResolveCertificates loads the primary and secondary pair of the choice
func ResolveCertificates(choice CertChoice) (primary, secondary certs.Pair, err error) {
	if choice.Embedded {
		return certs.EmbeddedPairs()
	}
	primary, err = certs.LoadPair(choice.PrimaryCRT, choice.PrimaryPFX)
	if err != nil {
		return
	}
	if !choice.Secondary {
		return primary, primary, nil
	}
	secondary, err = certs.LoadPair(choice.SecondaryCRT, choice.SecondaryPFX)
	return
}
