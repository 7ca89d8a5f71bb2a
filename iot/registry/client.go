package registry

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/hub"
)

// APIVersion is the hub REST api version spoken by the client
const APIVersion = "2021-04-12"

// import modes of the bulk api
const (
	importModeDelete            = "delete"
	importModeDeleteIfMatchETag = "deleteIfMatchETag"
)

// ErrorCodeDeviceAlreadyExists is the hub's error code for a duplicate device id
const ErrorCodeDeviceAlreadyExists = "DeviceAlreadyExists"

// ErrorCodeHeader carries the hub's error code on failed requests
const ErrorCodeHeader = "iothub-errorcode"

// Client is a Registry speaking the hub's REST API
type Client struct {
	cs            hub.ConnectionString
	baseURL       string
	httpClient    *http.Client
	handler       http.Handler
	tokenLifetime time.Duration
}

// NewClient creates a registry client from a service connection string. The connection
// string must carry a shared access policy name and key.
func NewClient(cs hub.ConnectionString) (Client, error) {
	if len(cs.SharedAccessKeyName) == 0 || len(cs.SharedAccessKey) == 0 {
		return Client{}, fmt.Errorf("%w: SharedAccessKeyName and SharedAccessKey are required for registry access",
			hub.ErrMalformedConnectionString)
	}
	return Client{
		cs:            cs,
		baseURL:       "https://" + cs.HostName,
		httpClient:    &http.Client{Timeout: 20 * time.Second},
		tokenLifetime: hub.DefaultTokenLifetime,
	}, nil
}

// NewClientFromString parses the connection string and creates a registry client
func NewClientFromString(connectionString string) (Client, error) {
	cs, err := hub.ParseConnectionString(connectionString)
	if err != nil {
		return Client{}, err
	}
	return NewClient(cs)
}

// WithHTTPClient returns a new client using the passed http client
func (c Client) WithHTTPClient(httpClient *http.Client) Client {
	c.httpClient = httpClient
	return c
}

// WithRootCAs returns a new client which trusts the passed certificate pool
func (c Client) WithRootCAs(pool *x509.CertPool) Client {
	c.httpClient = &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}
	return c
}

// WithBaseURL returns a new client talking to baseURL instead of https://{HostName}.
// Shared access signatures are still issued for HostName.
func (c Client) WithBaseURL(baseURL string) Client {
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	return c
}

// WithHandler returns a new client which talks directly to the handler instead of
// marshalling HTTP. Used for in-process access to the emulator.
func (c Client) WithHandler(handler http.Handler) Client {
	c.handler = handler
	return c
}

// HostName returns the hub host name of the client
func (c Client) HostName() string {
	return c.cs.HostName
}

// CreateDevice implements Registry
func (c Client) CreateDevice(ctx context.Context, device Device) (CreateResult, error) {
	var created Device
	status, err := c.do(ctx, http.MethodPut, devicePath(device.DeviceID), nil, device, &created)
	if err != nil {
		var re *Error
		if status == http.StatusConflict && errors.As(err, &re) &&
			(re.Code == ErrorCodeDeviceAlreadyExists || len(re.Code) == 0) {
			logger.FromContext(ctx).Debugf("device %s already exists", device.DeviceID)
			return ConflictResult(device.DeviceID), nil
		}
		return CreateResult{}, err
	}
	return CreatedResult(created), nil
}

// GetDevice implements Registry
func (c Client) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	var device Device
	_, err := c.do(ctx, http.MethodGet, devicePath(deviceID), nil, nil, &device)
	return device, err
}

// ListDevices implements Registry
func (c Client) ListDevices(ctx context.Context, limit int) ([]Device, error) {
	query := url.Values{}
	query.Set("top", strconv.Itoa(limit))
	devices := []Device{}
	_, err := c.do(ctx, http.MethodGet, "/devices", query, nil, &devices)
	return devices, err
}

type exportImportDevice struct {
	ID         string `json:"id"`
	ETag       string `json:"eTag,omitempty"`
	ImportMode string `json:"importMode"`
}

type bulkRegistryOperationResult struct {
	IsSuccessful bool          `json:"isSuccessful"`
	Errors       []DeviceError `json:"errors"`
}

// RemoveDevices implements Registry. Devices with an etag are only removed if the etag
// still matches. The list is sent in chunks of MaxBulkOperationSize.
func (c Client) RemoveDevices(ctx context.Context, devices []Device) error {
	if len(devices) == 0 {
		return ErrNothingToRemove
	}
	rlog := logger.FromContext(ctx)
	bulkErr := &BulkError{}
	for start := 0; start < len(devices); start += MaxBulkOperationSize {
		end := start + MaxBulkOperationSize
		if end > len(devices) {
			end = len(devices)
		}
		chunk := make([]exportImportDevice, 0, end-start)
		for _, d := range devices[start:end] {
			mode := importModeDeleteIfMatchETag
			if len(d.ETag) == 0 {
				mode = importModeDelete
			}
			chunk = append(chunk, exportImportDevice{ID: d.DeviceID, ETag: d.ETag, ImportMode: mode})
		}
		rlog.Debugf("bulk remove of %d devices", len(chunk))

		var result bulkRegistryOperationResult
		status, err := c.do(ctx, http.MethodPost, "/devices", nil, chunk, &result)
		if err != nil && status != http.StatusBadRequest {
			return err
		}
		if err != nil && len(result.Errors) == 0 {
			return err
		}
		if !result.IsSuccessful {
			bulkErr.Errors = append(bulkErr.Errors, result.Errors...)
		}
	}
	if len(bulkErr.Errors) > 0 {
		return bulkErr
	}
	return nil
}

func devicePath(deviceID string) string {
	return "/devices/" + url.PathEscape(deviceID)
}

// do executes a request. body can also be a []byte, result can be nil.
// For error responses with a JSON body the body is still decoded into result, which
// is how the bulk api reports per-device errors.
func (c Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, result interface{}) (int, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", APIVersion)

	var reqBody io.Reader
	if body != nil {
		j, ok := body.([]byte)
		if !ok {
			var err error
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, err
			}
		}
		reqBody = bytes.NewReader(j)
	}

	r, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query.Encode(), reqBody)
	if err != nil {
		return http.StatusBadRequest, err
	}
	token, err := hub.NewSharedAccessSignature(c.cs.HostName, c.cs.SharedAccessKeyName, c.cs.SharedAccessKey,
		time.Now().Add(c.tokenLifetime))
	if err != nil {
		return http.StatusBadRequest, err
	}
	r.Header.Set("Authorization", token)
	r.Header.Set("Accept", "application/json")
	if reqBody != nil {
		r.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	var res *http.Response
	var resBody []byte
	if c.handler != nil {
		rec := httptest.NewRecorder()
		c.handler.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, err
		}
		defer res.Body.Close()
		resBody, err = io.ReadAll(res.Body)
		if err != nil {
			return res.StatusCode, err
		}
	}

	status := res.StatusCode
	logger.FromContext(ctx).Debugf("registry %s %s: %d", method, path, status)

	if status < 200 || status >= 300 {
		if result != nil && len(resBody) > 0 && json.Valid(resBody) {
			// best effort, the error is what counts
			_ = json.Unmarshal(resBody, result)
		}
		return status, errorFromResponse(status, res.Header, resBody)
	}

	if status == http.StatusNoContent || len(resBody) == 0 || result == nil {
		return status, nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return status, nil
	}
	return status, json.Unmarshal(resBody, result)
}

// errorResponse is the error body of the hub, e.g.
//
//	{"Message":"ErrorCode:DeviceAlreadyExists;A device with ID 'dev1' is already registered."}
type errorResponse struct {
	Message string `json:"Message"`
}

func errorFromResponse(status int, header http.Header, body []byte) error {
	e := &Error{
		StatusCode: status,
		Code:       header.Get(ErrorCodeHeader),
		Message:    strings.TrimSpace(string(body)),
	}
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && len(er.Message) > 0 {
		e.Message = er.Message
		if strings.HasPrefix(er.Message, "ErrorCode:") {
			parts := strings.SplitN(strings.TrimPrefix(er.Message, "ErrorCode:"), ";", 2)
			if len(e.Code) == 0 {
				e.Code = parts[0]
			}
			if len(parts) == 2 {
				e.Message = parts[1]
			}
		}
	}
	return e
}
