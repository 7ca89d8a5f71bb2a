/*Package store is a device registry persisted in postgres

It is the storage of the hub emulator and implements registry.Registry on top of a
single table "device" in the schema of the passed csql.DB.
*/
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/iotcerts/core/csql"
	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/registry"
)

// ErrInvalidDevice is returned by CreateDevice for records which cannot be stored
var ErrInvalidDevice = errors.New("invalid device")

const (
	statusEnabled       = "enabled"
	stateDisconnected   = "Disconnected"
	symmetricKeyLength  = 32
	errorCodeNotFound   = "DeviceNotFound"
	errorCodeETagFailed = "PreconditionFailed"
)

const columns = `device_id, generation_id, etag, status, auth_type, primary_key, secondary_key, primary_thumbprint, secondary_thumbprint`

// Store is a postgres backed device registry
type Store struct {
	db *csql.DB
}

var _ registry.Registry = (*Store)(nil)

// New creates the device table if it does not exist yet and returns the store.
// It panics if the table cannot be created.
func New(db *csql.DB) *Store {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.device
(device_id varchar NOT NULL,
generation_id varchar NOT NULL,
etag varchar NOT NULL,
status varchar NOT NULL DEFAULT 'enabled',
auth_type varchar NOT NULL,
primary_key varchar NOT NULL DEFAULT '',
secondary_key varchar NOT NULL DEFAULT '',
primary_thumbprint varchar NOT NULL DEFAULT '',
secondary_thumbprint varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
PRIMARY KEY(device_id)
);
CREATE index IF NOT EXISTS device_primary_thumbprint ON ` + db.Schema + `.device(primary_thumbprint);
CREATE index IF NOT EXISTS device_secondary_thumbprint ON ` + db.Schema + `.device(secondary_thumbprint);`)
	if err != nil {
		panic(err)
	}
	return &Store{db: db}
}

// CreateDevice stores a new device. Symmetric key devices without keys get two freshly
// generated keys, thumbprints are normalized. Generation id and etag are always issued by
// the store. An existing device id results in a Conflict.
func (s *Store) CreateDevice(ctx context.Context, device registry.Device) (registry.CreateResult, error) {
	if len(device.DeviceID) == 0 {
		return registry.CreateResult{}, fmt.Errorf("%w: device id is missing", ErrInvalidDevice)
	}
	d, err := prepare(device)
	if err != nil {
		return registry.CreateResult{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device(`+columns+`, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (device_id) DO NOTHING;`,
		d.DeviceID, d.GenerationID, d.ETag, d.Status, string(d.Authentication.Type),
		d.PrimaryKey(), d.SecondaryKey(), d.PrimaryThumbprint(), d.SecondaryThumbprint(),
		time.Now().UTC())
	if err != nil {
		return registry.CreateResult{}, fmt.Errorf("cannot create device %s: %w", d.DeviceID, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return registry.CreateResult{}, err
	}
	if count == 0 {
		return registry.ConflictResult(d.DeviceID), nil
	}
	logger.FromContext(ctx).Infof("created %s device %s", d.Kind(), d.DeviceID)
	return registry.CreatedResult(d), nil
}

func prepare(device registry.Device) (registry.Device, error) {
	d := registry.Device{
		DeviceID:        device.DeviceID,
		GenerationID:    uuid.New().String(),
		ETag:            uuid.New().String(),
		Status:          device.Status,
		ConnectionState: stateDisconnected,
	}
	if len(d.Status) == 0 {
		d.Status = statusEnabled
	}

	if device.Kind() == registry.KindX509 {
		authType := device.Authentication.Type
		if authType != registry.AuthenticationCertificateAuthority {
			authType = registry.AuthenticationSelfSigned
		}
		d.Authentication = registry.Authentication{
			Type: authType,
			X509Thumbprint: &registry.X509Thumbprint{
				PrimaryThumbprint:   registry.NormalizeThumbprint(device.PrimaryThumbprint()),
				SecondaryThumbprint: registry.NormalizeThumbprint(device.SecondaryThumbprint()),
			},
		}
		return d, nil
	}

	if device.Authentication.Type == registry.AuthenticationSelfSigned {
		return d, fmt.Errorf("%w: self signed device %s without primary thumbprint", ErrInvalidDevice, device.DeviceID)
	}
	primary, secondary := device.PrimaryKey(), device.SecondaryKey()
	var err error
	if len(primary) == 0 {
		if primary, err = newKey(); err != nil {
			return d, err
		}
	}
	if len(secondary) == 0 {
		if secondary, err = newKey(); err != nil {
			return d, err
		}
	}
	d.Authentication = registry.Authentication{
		Type:         registry.AuthenticationSAS,
		SymmetricKey: &registry.SymmetricKey{PrimaryKey: primary, SecondaryKey: secondary},
	}
	return d, nil
}

func newKey() (string, error) {
	b := make([]byte, symmetricKeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cannot generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// GetDevice returns the device or registry.ErrDeviceNotFound
func (s *Store) GetDevice(ctx context.Context, deviceID string) (registry.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM `+s.db.Schema+`.device WHERE device_id=$1;`, deviceID)
	d, err := scanDevice(row)
	if err == csql.ErrNoRows {
		return d, registry.ErrDeviceNotFound
	}
	return d, err
}

// FindByThumbprint returns the X.509 device holding the thumbprint as primary or secondary
// thumbprint, or registry.ErrDeviceNotFound
func (s *Store) FindByThumbprint(ctx context.Context, thumbprint string) (registry.Device, error) {
	thumbprint = registry.NormalizeThumbprint(thumbprint)
	if len(thumbprint) == 0 {
		return registry.Device{}, registry.ErrDeviceNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM `+s.db.Schema+`.device WHERE primary_thumbprint=$1 OR secondary_thumbprint=$1
ORDER BY created_at LIMIT 1;`, thumbprint)
	d, err := scanDevice(row)
	if err == csql.ErrNoRows {
		return d, registry.ErrDeviceNotFound
	}
	return d, err
}

// ListDevices returns at most limit devices in order of creation
func (s *Store) ListDevices(ctx context.Context, limit int) ([]registry.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM `+s.db.Schema+`.device ORDER BY created_at, device_id LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := []registry.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// RemoveDevices removes the devices in one transaction. Devices with an etag are only
// removed if it still matches; mismatches and unknown ids are reported in a
// *registry.BulkError while all other devices are removed.
func (s *Store) RemoveDevices(ctx context.Context, devices []registry.Device) error {
	if len(devices) == 0 {
		return registry.ErrNothingToRemove
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	bulkErr := &registry.BulkError{}
	unconditional := []string{}
	for _, d := range devices {
		if len(d.ETag) == 0 {
			unconditional = append(unconditional, d.DeviceID)
			continue
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM `+s.db.Schema+`.device WHERE device_id=$1 AND etag=$2;`, d.DeviceID, d.ETag)
		if err != nil {
			return fmt.Errorf("cannot remove device %s: %w", d.DeviceID, err)
		}
		if count, err := res.RowsAffected(); err != nil {
			return err
		} else if count == 0 {
			bulkErr.Errors = append(bulkErr.Errors, registry.DeviceError{
				DeviceID:    d.DeviceID,
				ErrorCode:   errorCodeETagFailed,
				ErrorStatus: "device does not exist or etag does not match",
			})
		}
	}

	if len(unconditional) > 0 {
		rows, err := tx.QueryContext(ctx,
			`DELETE FROM `+s.db.Schema+`.device WHERE device_id = ANY($1) RETURNING device_id;`, pq.Array(unconditional))
		if err != nil {
			return fmt.Errorf("cannot remove devices: %w", err)
		}
		removed := map[string]bool{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			removed[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range unconditional {
			if !removed[id] {
				bulkErr.Errors = append(bulkErr.Errors, registry.DeviceError{
					DeviceID:    id,
					ErrorCode:   errorCodeNotFound,
					ErrorStatus: "device does not exist",
				})
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("removed %d of %d devices", len(devices)-len(bulkErr.Errors), len(devices))
	if len(bulkErr.Errors) > 0 {
		return bulkErr
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row scanner) (registry.Device, error) {
	var d registry.Device
	var authType, primaryKey, secondaryKey, primaryThumbprint, secondaryThumbprint string
	err := row.Scan(&d.DeviceID, &d.GenerationID, &d.ETag, &d.Status, &authType,
		&primaryKey, &secondaryKey, &primaryThumbprint, &secondaryThumbprint)
	if err != nil {
		return d, err
	}
	d.ConnectionState = stateDisconnected
	d.Authentication.Type = registry.AuthenticationType(authType)
	if len(primaryKey) > 0 || len(secondaryKey) > 0 {
		d.Authentication.SymmetricKey = &registry.SymmetricKey{PrimaryKey: primaryKey, SecondaryKey: secondaryKey}
	}
	if len(primaryThumbprint) > 0 || len(secondaryThumbprint) > 0 {
		d.Authentication.X509Thumbprint = &registry.X509Thumbprint{
			PrimaryThumbprint:   primaryThumbprint,
			SecondaryThumbprint: secondaryThumbprint,
		}
	}
	return d, nil
}
