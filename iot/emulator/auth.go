package emulator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relabs-tech/iotcerts/iot/hub"
	"github.com/relabs-tech/iotcerts/iot/registry"
)

// errorCodeUnauthorized is the hub's error code for rejected credentials
const errorCodeUnauthorized = "IotHubUnauthorizedAccess"

var errNoCredentials = errors.New("no credentials")

// authorizeService checks the shared access signature of a registry request. The token
// must be signed by the service policy for the hub or a resource below it.
func (e *Emulator) authorizeService(r *http.Request) error {
	token := r.Header.Get("Authorization")
	if len(token) == 0 {
		return errNoCredentials
	}
	sas, err := hub.ParseSharedAccessSignature(token)
	if err != nil {
		return err
	}
	if sas.KeyName != e.policyName {
		return fmt.Errorf("unknown policy '%s'", sas.KeyName)
	}
	resource := strings.ToLower(sas.Resource)
	host := strings.ToLower(e.hostName)
	if resource != host && !strings.HasPrefix(resource, host+"/") {
		return fmt.Errorf("token for foreign resource '%s'", sas.Resource)
	}
	return sas.Verify(e.policyKey, time.Now())
}

// authorizeDevice checks device credentials: either a shared access signature signed
// with one of the device keys, or the thumbprint of the client certificate presented
// during the TLS handshake. Disabled devices are always rejected.
func authorizeDevice(d registry.Device, hostName, token, thumbprint string, now time.Time) error {
	if len(d.Status) > 0 && d.Status != "enabled" {
		return fmt.Errorf("device %s is %s", d.DeviceID, d.Status)
	}
	if len(token) > 0 {
		sas, err := hub.ParseSharedAccessSignature(token)
		if err != nil {
			return err
		}
		if !strings.EqualFold(sas.Resource, hub.DeviceResourceURI(hostName, d.DeviceID)) {
			return fmt.Errorf("token for foreign resource '%s'", sas.Resource)
		}
		if d.Kind() != registry.KindSymmetric {
			return fmt.Errorf("device %s has no symmetric keys", d.DeviceID)
		}
		for _, key := range []string{d.PrimaryKey(), d.SecondaryKey()} {
			if len(key) == 0 {
				continue
			}
			if err = sas.Verify(key, now); err == nil || errors.Is(err, hub.ErrTokenExpired) {
				return err
			}
		}
		return hub.ErrInvalidSignature
	}
	if len(thumbprint) > 0 {
		thumbprint = registry.NormalizeThumbprint(thumbprint)
		if d.Kind() != registry.KindX509 {
			return fmt.Errorf("device %s has no certificates", d.DeviceID)
		}
		if thumbprint == registry.NormalizeThumbprint(d.PrimaryThumbprint()) ||
			thumbprint == registry.NormalizeThumbprint(d.SecondaryThumbprint()) {
			return nil
		}
		return fmt.Errorf("certificate %s is not registered for device %s", thumbprint, d.DeviceID)
	}
	return errNoCredentials
}
