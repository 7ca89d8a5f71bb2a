package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// MaxBulkOperationSize is the number of devices the hub accepts per bulk request
const MaxBulkOperationSize = 100

var (
	// ErrDeviceNotFound is returned when a device does not exist
	ErrDeviceNotFound = errors.New("device not found")
	// ErrNothingToRemove is returned by RemoveDevices for an empty list
	ErrNothingToRemove = errors.New("no devices to remove")
	// ErrUnauthorized is returned when the registry rejects the credentials
	ErrUnauthorized = errors.New("unauthorized")
)

// Registry is a device identity registry
type Registry interface {
	// CreateDevice creates a new device. An existing id results in a Conflict, not an error.
	CreateDevice(ctx context.Context, device Device) (CreateResult, error)
	// GetDevice returns the device with the id, or ErrDeviceNotFound
	GetDevice(ctx context.Context, deviceID string) (Device, error)
	// ListDevices returns at most limit devices
	ListDevices(ctx context.Context, limit int) ([]Device, error)
	// RemoveDevices removes all passed devices
	RemoveDevices(ctx context.Context, devices []Device) error
}

// Error is an error response of the registry service
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if len(e.Code) > 0 {
		return fmt.Sprintf("registry error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("registry error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps well-known status codes onto the package's sentinel errors
func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrDeviceNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	return nil
}

// DeviceError is a per-device failure of a bulk operation
type DeviceError struct {
	DeviceID    string `json:"deviceId"`
	ErrorCode   string `json:"errorCode"`
	ErrorStatus string `json:"errorStatus"`
}

// BulkError is returned when a bulk operation did not succeed for all devices
type BulkError struct {
	Errors []DeviceError
}

func (e *BulkError) Error() string {
	var details []string
	for _, de := range e.Errors {
		details = append(details, de.DeviceID+": "+de.ErrorCode)
	}
	return fmt.Sprintf("bulk operation failed for %d device(s): %s", len(e.Errors), strings.Join(details, ", "))
}
