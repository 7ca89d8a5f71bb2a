package emulator

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/certs"
	"github.com/relabs-tech/iotcerts/iot/registry"
	"github.com/relabs-tech/iotcerts/iot/store"
)

// MaxListSize is the maximum number of devices returned by a list request
const MaxListSize = 1000

// maximum size of a telemetry message
const maxMessageSize = 256 * 1024

// error codes of the hub
const (
	errorCodeDeviceNotFound      = "DeviceNotFound"
	errorCodeInvalidDeviceID     = "ArgumentInvalid"
	errorCodeTooManyDevices      = "TooManyDevicesInBulkRequest"
	errorCodeInvalidImportMode   = "InvalidImportMode"
	errorCodeInvalidBody         = "BadRequest"
	errorCodeMessageTooLarge     = "MessageTooLarge"
	errorCodeDeviceAlreadyExists = registry.ErrorCodeDeviceAlreadyExists
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-.%_*?!(),:=@$']{1,128}$`)

type exportImportDevice struct {
	ID         string `json:"id"`
	ETag       string `json:"eTag,omitempty"`
	ImportMode string `json:"importMode"`
}

type bulkRegistryOperationResult struct {
	IsSuccessful bool                   `json:"isSuccessful"`
	Errors       []registry.DeviceError `json:"errors"`
}

type errorResponse struct {
	Message string `json:"Message"`
}

func (e *Emulator) handleRoutes(router *mux.Router) {
	logger.Default().Infoln("iot hub emulator for", e.hostName)
	logger.Default().Infoln("  handle route: /devices PUT,GET,POST")
	logger.Default().Infoln("  handle route: /devices/{id}/messages/events POST")

	router.HandleFunc("/devices/{id}/messages/events", e.postEvent).Methods(http.MethodPost)
	router.HandleFunc("/devices/{id}", e.service(e.putDevice)).Methods(http.MethodPut)
	router.HandleFunc("/devices/{id}", e.service(e.getDevice)).Methods(http.MethodGet)
	router.Handle("/devices", handlers.CompressHandler(e.service(e.listDevices))).Methods(http.MethodGet)
	router.HandleFunc("/devices", e.service(e.bulkDevices)).Methods(http.MethodPost)
}

// service wraps registry handlers with the service policy check
func (e *Emulator) service(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := e.authorizeService(r); err != nil {
			logger.FromContext(r.Context()).WithError(err).Infoln("registry request denied")
			writeError(w, http.StatusUnauthorized, errorCodeUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body, _ := json.Marshal(errorResponse{Message: "ErrorCode:" + code + ";" + message})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(registry.ErrorCodeHeader, code)
	w.WriteHeader(status)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Default().WithError(err).Errorf("Error 4410")
		http.Error(w, "Error 4410", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func deviceIDFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID := mux.Vars(r)["id"]
	if !deviceIDPattern.MatchString(deviceID) {
		writeError(w, http.StatusBadRequest, errorCodeInvalidDeviceID, fmt.Sprintf("invalid device id '%s'", deviceID))
		return "", false
	}
	return deviceID, true
}

func (e *Emulator) putDevice(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	deviceID, ok := deviceIDFromRequest(w, r)
	if !ok {
		return
	}

	var d registry.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, errorCodeInvalidBody, "invalid device body: "+err.Error())
		return
	}
	if len(d.DeviceID) == 0 {
		d.DeviceID = deviceID
	}
	if d.DeviceID != deviceID {
		writeError(w, http.StatusBadRequest, errorCodeInvalidDeviceID, "device id in body does not match url")
		return
	}

	result, err := e.store.CreateDevice(r.Context(), d)
	if errors.Is(err, store.ErrInvalidDevice) {
		writeError(w, http.StatusBadRequest, errorCodeInvalidBody, err.Error())
		return
	}
	if err != nil {
		rlog.WithError(err).Errorf("Error 4411: create device %s", deviceID)
		http.Error(w, "Error 4411", http.StatusInternalServerError)
		return
	}
	if result.Outcome == registry.Conflict {
		writeError(w, http.StatusConflict, errorCodeDeviceAlreadyExists,
			fmt.Sprintf("A device with ID '%s' is already registered.", deviceID))
		return
	}
	rlog.Infof("created %s device %s", result.Device.Kind(), deviceID)
	writeJSON(w, http.StatusOK, result.Device)
}

func (e *Emulator) getDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDFromRequest(w, r)
	if !ok {
		return
	}
	d, err := e.store.GetDevice(r.Context(), deviceID)
	if errors.Is(err, registry.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, errorCodeDeviceNotFound, fmt.Sprintf("Device %s not registered", deviceID))
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4412: get device %s", deviceID)
		http.Error(w, "Error 4412", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (e *Emulator) listDevices(w http.ResponseWriter, r *http.Request) {
	top := MaxListSize
	if s := r.URL.Query().Get("top"); len(s) > 0 {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errorCodeInvalidBody, fmt.Sprintf("invalid top '%s'", s))
			return
		}
		if n < top {
			top = n
		}
	}
	devices, err := e.store.ListDevices(r.Context(), top)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4413: list devices")
		http.Error(w, "Error 4413", http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []registry.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// bulkDevices implements the bulk registry operation. Only removals are supported.
func (e *Emulator) bulkDevices(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	var ops []exportImportDevice
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		writeError(w, http.StatusBadRequest, errorCodeInvalidBody, "invalid bulk body: "+err.Error())
		return
	}
	if len(ops) > registry.MaxBulkOperationSize {
		writeError(w, http.StatusBadRequest, errorCodeTooManyDevices,
			fmt.Sprintf("too many devices in bulk request: %d, maximum is %d", len(ops), registry.MaxBulkOperationSize))
		return
	}

	devices := make([]registry.Device, 0, len(ops))
	for _, op := range ops {
		d := registry.Device{DeviceID: op.ID}
		switch op.ImportMode {
		case "delete":
		case "deleteIfMatchETag":
			d.ETag = op.ETag
		default:
			writeError(w, http.StatusBadRequest, errorCodeInvalidImportMode,
				fmt.Sprintf("import mode '%s' is not supported", op.ImportMode))
			return
		}
		devices = append(devices, d)
	}

	result := bulkRegistryOperationResult{IsSuccessful: true, Errors: []registry.DeviceError{}}
	if len(devices) == 0 {
		writeJSON(w, http.StatusOK, result)
		return
	}

	err := e.store.RemoveDevices(r.Context(), devices)
	var bulkErr *registry.BulkError
	if errors.As(err, &bulkErr) {
		rlog.Infof("bulk removal failed for %d of %d devices", len(bulkErr.Errors), len(devices))
		result.IsSuccessful = false
		result.Errors = bulkErr.Errors
		writeJSON(w, http.StatusBadRequest, result)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorf("Error 4414: remove devices")
		http.Error(w, "Error 4414", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// postEvent accepts device-to-cloud messages of a device
func (e *Emulator) postEvent(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDFromRequest(w, r)
	if !ok {
		return
	}
	ctx, rlog := logger.ContextWithDevice(r.Context(), deviceID)

	var thumbprint string
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		thumbprint = certs.Thumbprint(r.TLS.PeerCertificates[0])
	}
	d, err := e.store.GetDevice(ctx, deviceID)
	if err == nil {
		err = authorizeDevice(d, e.hostName, r.Header.Get("Authorization"), thumbprint, time.Now())
	}
	if err != nil {
		rlog.WithError(err).Infoln("event denied")
		writeError(w, http.StatusUnauthorized, errorCodeUnauthorized, "unauthorized")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))
	if err != nil {
		rlog.WithError(err).Errorf("Error 4415: read event")
		http.Error(w, "Error 4415", http.StatusBadRequest)
		return
	}
	if len(payload) > maxMessageSize {
		writeError(w, http.StatusRequestEntityTooLarge, errorCodeMessageTooLarge, "message too large")
		return
	}
	e.onTelemetry(ctx, deviceID, payload)
	w.WriteHeader(http.StatusNoContent)
}
