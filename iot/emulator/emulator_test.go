package emulator

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotcerts/iot/certs"
	"github.com/relabs-tech/iotcerts/iot/device"
	"github.com/relabs-tech/iotcerts/iot/hub"
	"github.com/relabs-tech/iotcerts/iot/registry"
)

const (
	testHost      = "127.0.0.1"
	testPolicy    = "iothubowner"
	testPolicyKey = "c2VydmljZS1wb2xpY3kta2V5LWZvci10ZXN0aW5n"
)

// memoryStore is a DeviceStore in memory
type memoryStore struct {
	mutex   sync.Mutex
	devices map[string]registry.Device
	order   []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{devices: map[string]registry.Device{}}
}

func randomKey() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

func (s *memoryStore) CreateDevice(ctx context.Context, d registry.Device) (registry.CreateResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.devices[d.DeviceID]; ok {
		return registry.ConflictResult(d.DeviceID), nil
	}
	d.GenerationID = uuid.New().String()
	d.ETag = uuid.New().String()
	d.Status = "enabled"
	if d.Kind() == registry.KindSymmetric {
		d.Authentication.Type = registry.AuthenticationSAS
		d.Authentication.X509Thumbprint = nil
		d.Authentication.SymmetricKey = &registry.SymmetricKey{PrimaryKey: randomKey(), SecondaryKey: randomKey()}
	}
	s.devices[d.DeviceID] = d
	s.order = append(s.order, d.DeviceID)
	return registry.CreatedResult(d), nil
}

func (s *memoryStore) GetDevice(ctx context.Context, deviceID string) (registry.Device, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return d, registry.ErrDeviceNotFound
	}
	return d, nil
}

func (s *memoryStore) ListDevices(ctx context.Context, limit int) ([]registry.Device, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var result []registry.Device
	for _, id := range s.order {
		if len(result) == limit {
			break
		}
		result = append(result, s.devices[id])
	}
	return result, nil
}

func (s *memoryStore) RemoveDevices(ctx context.Context, devices []registry.Device) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	bulkErr := &registry.BulkError{}
	for _, d := range devices {
		existing, ok := s.devices[d.DeviceID]
		if !ok {
			bulkErr.Errors = append(bulkErr.Errors, registry.DeviceError{DeviceID: d.DeviceID, ErrorCode: "DeviceNotFound"})
			continue
		}
		if len(d.ETag) > 0 && d.ETag != existing.ETag {
			bulkErr.Errors = append(bulkErr.Errors, registry.DeviceError{DeviceID: d.DeviceID, ErrorCode: "PreconditionFailed"})
			continue
		}
		delete(s.devices, d.DeviceID)
		for i, id := range s.order {
			if id == d.DeviceID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	if len(bulkErr.Errors) > 0 {
		return bulkErr
	}
	return nil
}

func (s *memoryStore) FindByThumbprint(ctx context.Context, thumbprint string) (registry.Device, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, d := range s.devices {
		if d.PrimaryThumbprint() == thumbprint || d.SecondaryThumbprint() == thumbprint {
			return d, nil
		}
	}
	return registry.Device{}, registry.ErrDeviceNotFound
}

type telemetry struct {
	deviceID string
	payload  []byte
}

type fixture struct {
	store    *memoryStore
	router   *mux.Router
	emulator *Emulator
	received chan telemetry
	client   registry.Client
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:    newMemoryStore(),
		router:   mux.NewRouter(),
		received: make(chan telemetry, 10),
	}
	f.emulator = New(&Builder{
		Store:      f.store,
		Router:     f.router,
		HostName:   testHost,
		PolicyName: testPolicy,
		PolicyKey:  testPolicyKey,
		OnTelemetry: func(ctx context.Context, deviceID string, payload []byte) {
			f.received <- telemetry{deviceID: deviceID, payload: payload}
		},
	})
	client, err := registry.NewClientFromString(f.emulator.ConnectionString())
	require.NoError(t, err)
	f.client = client.WithHandler(f.router)
	return f
}

func TestNewPanicsOnMissingFields(t *testing.T) {
	assert.Panics(t, func() { New(&Builder{Router: mux.NewRouter(), HostName: testHost}) })
	assert.Panics(t, func() { New(&Builder{Store: newMemoryStore(), HostName: testHost}) })
	assert.Panics(t, func() {
		New(&Builder{Store: newMemoryStore(), Router: mux.NewRouter(), HostName: testHost, PolicyName: testPolicy})
	})
}

func TestConnectionString(t *testing.T) {
	f := newFixture(t)
	cs, err := hub.ParseConnectionString(f.emulator.ConnectionString())
	require.NoError(t, err)
	assert.Equal(t, testHost, cs.HostName)
	assert.Equal(t, testPolicy, cs.SharedAccessKeyName)
	assert.Equal(t, testPolicyKey, cs.SharedAccessKey)
	assert.Equal(t, testHost, f.emulator.HostName())
}

func TestRegistryCreateGetConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.client.CreateDevice(ctx, registry.NewSymmetricKeyDevice("dev1"))
	require.NoError(t, err)
	require.Equal(t, registry.Created, result.Outcome)
	assert.NotEmpty(t, result.Device.PrimaryKey())
	assert.NotEmpty(t, result.Device.SecondaryKey())
	assert.NotEmpty(t, result.Device.GenerationID)

	result, err = f.client.CreateDevice(ctx, registry.NewSymmetricKeyDevice("dev1"))
	require.NoError(t, err)
	assert.Equal(t, registry.Conflict, result.Outcome)
	assert.Equal(t, "dev1", result.ExistingID)

	d, err := f.client.GetDevice(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, registry.KindSymmetric, d.Kind())

	_, err = f.client.GetDevice(ctx, "nope")
	assert.True(t, errors.Is(err, registry.ErrDeviceNotFound))

	x509Device := registry.NewX509Device("dev2", "09E0CC50AB93FB1A9726EDCD49307FDAB4EC5B87", "53FA08E5BF72D2D9C304D6DE75A3513F813B7AD7")
	result, err = f.client.CreateDevice(ctx, x509Device)
	require.NoError(t, err)
	assert.Equal(t, registry.KindX509, result.Device.Kind())
	assert.Empty(t, result.Device.PrimaryKey())
}

func TestRegistryInvalidDeviceID(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.CreateDevice(context.Background(), registry.NewSymmetricKeyDevice("bad id"))
	var regErr *registry.Error
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, http.StatusBadRequest, regErr.StatusCode)
	assert.Equal(t, errorCodeInvalidDeviceID, regErr.Code)
}

func TestRegistryUnauthorized(t *testing.T) {
	f := newFixture(t)
	cs := hub.ConnectionString{HostName: testHost, SharedAccessKeyName: testPolicy, SharedAccessKey: "d3Jvbmcta2V5"}
	client, err := registry.NewClient(cs)
	require.NoError(t, err)

	_, err = client.WithHandler(f.router).ListDevices(context.Background(), 10)
	assert.True(t, errors.Is(err, registry.ErrUnauthorized))

	cs = hub.ConnectionString{HostName: "other.example.net", SharedAccessKeyName: testPolicy, SharedAccessKey: testPolicyKey}
	client, err = registry.NewClient(cs)
	require.NoError(t, err)
	_, err = client.WithHandler(f.router).ListDevices(context.Background(), 10)
	assert.True(t, errors.Is(err, registry.ErrUnauthorized))

	r := httptest.NewRequest(http.MethodGet, "/devices", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errorCodeUnauthorized, w.Header().Get(registry.ErrorCodeHeader))
}

func TestRegistryListAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		_, err := f.client.CreateDevice(ctx, registry.NewSymmetricKeyDevice(fmt.Sprintf("dev%03d", i)))
		require.NoError(t, err)
	}

	devices, err := f.client.ListDevices(ctx, 20)
	require.NoError(t, err)
	assert.Len(t, devices, 20)
	assert.Equal(t, "dev000", devices[0].DeviceID)

	devices, err = f.client.ListDevices(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, devices, 150)
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}
	assert.True(t, sort.StringsAreSorted(ids))

	require.NoError(t, f.client.RemoveDevices(ctx, devices))
	devices, err = f.client.ListDevices(ctx, 1000)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestRegistryRemoveStaleETag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := f.client.CreateDevice(ctx, registry.NewSymmetricKeyDevice(id))
		require.NoError(t, err)
	}
	devices, err := f.client.ListDevices(ctx, 10)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	devices[1].ETag = "stale"

	err = f.client.RemoveDevices(ctx, devices)
	var bulkErr *registry.BulkError
	require.True(t, errors.As(err, &bulkErr))
	require.Len(t, bulkErr.Errors, 1)
	assert.Equal(t, "b", bulkErr.Errors[0].DeviceID)
	assert.Equal(t, "PreconditionFailed", bulkErr.Errors[0].ErrorCode)

	remaining, err := f.client.ListDevices(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].DeviceID)
}

func serviceRequest(t *testing.T, method, path string, body []byte) *http.Request {
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	token, err := hub.NewSharedAccessSignature(testHost, testPolicy, testPolicyKey, time.Now().Add(time.Minute))
	require.NoError(t, err)
	r.Header.Set("Authorization", token)
	return r
}

func TestBulkRequestLimits(t *testing.T) {
	f := newFixture(t)

	var ops []exportImportDevice
	for i := 0; i <= registry.MaxBulkOperationSize; i++ {
		ops = append(ops, exportImportDevice{ID: strconv.Itoa(i), ImportMode: "delete"})
	}
	body, err := json.Marshal(ops)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, serviceRequest(t, http.MethodPost, "/devices", body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errorCodeTooManyDevices, w.Header().Get(registry.ErrorCodeHeader))

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, serviceRequest(t, http.MethodPost, "/devices", []byte(`[{"id":"a","importMode":"create"}]`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errorCodeInvalidImportMode, w.Header().Get(registry.ErrorCodeHeader))

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, serviceRequest(t, http.MethodPost, "/devices", []byte(`[]`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"isSuccessful":true,"errors":[]}`, w.Body.String())

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, serviceRequest(t, http.MethodGet, "/devices?top=x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListIsCompressed(t *testing.T) {
	f := newFixture(t)
	r := serviceRequest(t, http.MethodGet, "/devices", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestAuthorizeDevice(t *testing.T) {
	now := time.Now()
	d := registry.NewSymmetricKeyDevice("dev1")
	d.Status = "enabled"
	d.Authentication.SymmetricKey = &registry.SymmetricKey{PrimaryKey: randomKey(), SecondaryKey: randomKey()}
	resource := hub.DeviceResourceURI(testHost, "dev1")

	token, err := hub.NewSharedAccessSignature(resource, "", d.SecondaryKey(), now.Add(time.Minute))
	require.NoError(t, err)
	assert.NoError(t, authorizeDevice(d, testHost, token, "", now))

	expired, err := hub.NewSharedAccessSignature(resource, "", d.PrimaryKey(), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, errors.Is(authorizeDevice(d, testHost, expired, "", now), hub.ErrTokenExpired))

	foreign, err := hub.NewSharedAccessSignature(hub.DeviceResourceURI(testHost, "dev2"), "", d.PrimaryKey(), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Error(t, authorizeDevice(d, testHost, foreign, "", now))

	wrongKey, err := hub.NewSharedAccessSignature(resource, "", randomKey(), now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, errors.Is(authorizeDevice(d, testHost, wrongKey, "", now), hub.ErrInvalidSignature))

	assert.True(t, errors.Is(authorizeDevice(d, testHost, "", "", now), errNoCredentials))
	assert.Error(t, authorizeDevice(d, testHost, "", "09E0CC50AB93FB1A9726EDCD49307FDAB4EC5B87", now))

	disabled := d
	disabled.Status = "disabled"
	assert.Error(t, authorizeDevice(disabled, testHost, token, "", now))

	x := registry.NewX509Device("dev3", "09E0CC50AB93FB1A9726EDCD49307FDAB4EC5B87", "53FA08E5BF72D2D9C304D6DE75A3513F813B7AD7")
	assert.NoError(t, authorizeDevice(x, testHost, "", "53:fa:08:e5:bf:72:d2:d9:c3:04:d6:de:75:a3:51:3f:81:3b:7a:d7", now))
	assert.Error(t, authorizeDevice(x, testHost, "", "0000000000000000000000000000000000000000", now))
	assert.Error(t, authorizeDevice(x, testHost, token, "", now))
}

func startHTTPS(t *testing.T, f *fixture) *device.Builder {
	server := httptest.NewUnstartedServer(f.router)
	server.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
	server.StartTLS()
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())
	return &device.Builder{Transport: device.TransportHTTPS, RootCAs: pool, Port: port}
}

func TestHTTPSTelemetrySymmetricKey(t *testing.T) {
	f := newFixture(t)
	b := startHTTPS(t, f)
	ctx := context.Background()
	result, err := f.client.CreateDevice(ctx, registry.NewSymmetricKeyDevice("dev1"))
	require.NoError(t, err)

	client, err := device.NewDialer(b).Connect(ctx, testHost, device.SymmetricKey("dev1", result.Device.PrimaryKey()))
	require.NoError(t, err)
	defer client.Close()
	payload, err := device.NewTelemetry("dev1").Payload()
	require.NoError(t, err)
	require.NoError(t, client.SendEvent(ctx, payload))

	got := <-f.received
	assert.Equal(t, "dev1", got.deviceID)
	assert.Equal(t, payload, got.payload)

	bad, err := device.NewDialer(b).Connect(ctx, testHost, device.SymmetricKey("dev1", randomKey()))
	require.NoError(t, err)
	defer bad.Close()
	err = bad.SendEvent(ctx, payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestHTTPSTelemetryX509(t *testing.T) {
	f := newFixture(t)
	b := startHTTPS(t, f)
	ctx := context.Background()
	primary, secondary, err := certs.EmbeddedPairs()
	require.NoError(t, err)
	_, err = f.client.CreateDevice(ctx, registry.NewX509Device("dev2", primary.Thumbprint(), secondary.Thumbprint()))
	require.NoError(t, err)

	client, err := device.NewDialer(b).Connect(ctx, testHost, device.X509("dev2", secondary.Credential))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SendEvent(ctx, []byte(`{"deviceId":"dev2"}`)))
	got := <-f.received
	assert.Equal(t, "dev2", got.deviceID)

	other, err := device.NewDialer(b).Connect(ctx, testHost, device.X509("dev1", primary.Credential))
	require.NoError(t, err)
	defer other.Close()
	assert.Error(t, other.SendEvent(ctx, []byte(`{}`)))
}

func newBroker(t *testing.T, f *fixture) (*Broker, *device.Builder) {
	cert, key, err := certs.GenerateServer([]string{testHost}, time.Hour)
	require.NoError(t, err)
	broker, err := NewBroker(&BrokerBuilder{
		Emulator:    f.emulator,
		Address:     testHost + ":0",
		Certificate: &tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert},
	})
	require.NoError(t, err)
	broker.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		broker.Stop(ctx)
	})

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return broker, &device.Builder{
		Transport:      device.TransportMQTT,
		RootCAs:        pool,
		Port:           broker.Addr().(*net.TCPAddr).Port,
		ConnectTimeout: 5 * time.Second,
		SendTimeout:    5 * time.Second,
	}
}

func TestMQTTTelemetry(t *testing.T) {
	f := newFixture(t)
	_, b := newBroker(t, f)
	ctx := context.Background()

	result, err := f.client.CreateDevice(ctx, registry.NewSymmetricKeyDevice("dev1"))
	require.NoError(t, err)
	client, err := device.NewDialer(b).Connect(ctx, testHost, device.SymmetricKey("dev1", result.Device.PrimaryKey()))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SendEvent(ctx, []byte(`{"deviceId":"dev1","windSpeed":"100"}`)))

	select {
	case got := <-f.received:
		assert.Equal(t, "dev1", got.deviceID)
		assert.JSONEq(t, `{"deviceId":"dev1","windSpeed":"100"}`, string(got.payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no telemetry received")
	}

	_, err = device.NewDialer(b).Connect(ctx, testHost, device.SymmetricKey("dev1", randomKey()))
	assert.Error(t, err)
}

func TestMQTTTelemetryX509(t *testing.T) {
	f := newFixture(t)
	_, b := newBroker(t, f)
	ctx := context.Background()
	primary, secondary, err := certs.EmbeddedPairs()
	require.NoError(t, err)
	_, err = f.client.CreateDevice(ctx, registry.NewX509Device("dev2", primary.Thumbprint(), secondary.Thumbprint()))
	require.NoError(t, err)

	client, err := device.NewDialer(b).Connect(ctx, testHost, device.X509("dev2", primary.Credential))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SendEvent(ctx, []byte(`{}`)))
	got := <-f.received
	assert.Equal(t, "dev2", got.deviceID)

	cert, key, err := certs.Generate("unknown", time.Hour)
	require.NoError(t, err)
	unknown := tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert}
	_, err = device.NewDialer(b).Connect(ctx, testHost, device.X509("dev2", unknown))
	assert.Error(t, err)
}

func TestMQTTCloudToDevice(t *testing.T) {
	f := newFixture(t)
	broker, b := newBroker(t, f)
	ctx := context.Background()
	result, err := f.client.CreateDevice(ctx, registry.NewSymmetricKeyDevice("dev1"))
	require.NoError(t, err)

	token, err := hub.NewSharedAccessSignature(hub.DeviceResourceURI(testHost, "dev1"), "", result.Device.PrimaryKey(),
		time.Now().Add(time.Hour))
	require.NoError(t, err)
	options := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", testHost, b.Port)).
		SetClientID("dev1").
		SetUsername(device.Username(testHost, "dev1")).
		SetPassword(token).
		SetTLSConfig(&tls.Config{RootCAs: b.RootCAs, ServerName: testHost})
	client := mqtt.NewClient(options)
	connect := client.Connect()
	require.True(t, connect.WaitTimeout(5*time.Second))
	require.NoError(t, connect.Error())
	defer client.Disconnect(250)

	messages := make(chan []byte, 1)
	sub := client.Subscribe("devices/dev1/messages/devicebound/#", 1, func(_ mqtt.Client, m mqtt.Message) {
		messages <- m.Payload()
	})
	require.True(t, sub.WaitTimeout(5*time.Second))
	require.NoError(t, sub.Error())

	denied := client.Subscribe("devices/dev2/messages/devicebound/#", 1, nil)
	require.True(t, denied.WaitTimeout(5*time.Second))
	st, ok := denied.(*mqtt.SubscribeToken)
	require.True(t, ok)
	assert.Equal(t, byte(0x80), st.Result()["devices/dev2/messages/devicebound/#"])

	broker.SendToDevice("dev1", []byte("hello"))
	select {
	case payload := <-messages:
		assert.Equal(t, "hello", string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no cloud-to-device message received")
	}
}

func TestMQTTDropBeforeConnectForgetsThumbprint(t *testing.T) {
	f := newFixture(t)
	broker, b := newBroker(t, f)
	ctx := context.Background()
	primary, secondary, err := certs.EmbeddedPairs()
	require.NoError(t, err)
	_, err = f.client.CreateDevice(ctx, registry.NewX509Device("dev2", primary.Thumbprint(), secondary.Thumbprint()))
	require.NoError(t, err)

	conn, err := tls.Dial("tcp", broker.Addr().String(), &tls.Config{
		RootCAs:      b.RootCAs,
		ServerName:   testHost,
		Certificates: []tls.Certificate{primary.Credential},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return broker.p.pendingThumbprints() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return broker.p.pendingThumbprints() == 0 }, 5*time.Second, 10*time.Millisecond)
}
