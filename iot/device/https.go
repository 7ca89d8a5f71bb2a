package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/hub"
)

// MessageIDHeader carries the id of a device-to-cloud message
const MessageIDHeader = "iothub-messageid"

// EventsPath returns the path of the HTTPS telemetry endpoint of a device
func EventsPath(deviceID string) string {
	return "/devices/" + url.PathEscape(deviceID) + "/messages/events"
}

type httpsClient struct {
	httpClient    *http.Client
	url           string
	hostname      string
	auth          Auth
	tokenLifetime time.Duration
	rlog          *logrus.Entry
}

// connectHTTPS prepares the client; HTTPS has no session, the first request opens the
// connection.
func (d *Dialer) connectHTTPS(ctx context.Context, hostname string, auth Auth) (Client, error) {
	rlog := logger.FromContext(ctx)
	u := "https://" + d.address(hostname, DefaultHTTPSPort) + EventsPath(auth.DeviceID) + "?api-version=" + APIVersion
	rlog.Infof("device %s uses https endpoint %s", auth.DeviceID, u)
	return &httpsClient{
		httpClient: &http.Client{
			Timeout: d.connectTimeout,
			Transport: &http.Transport{
				TLSClientConfig: d.tlsConfig(hostname, auth),
			},
		},
		url:           u,
		hostname:      hostname,
		auth:          auth,
		tokenLifetime: d.tokenLifetime,
		rlog:          rlog,
	}, nil
}

// SendEvent posts the payload to the events endpoint of the device
func (c *httpsClient) SendEvent(ctx context.Context, payload []byte) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	r.Header.Set(MessageIDHeader, uuid.New().String())
	if !c.auth.IsX509() {
		token, err := hub.NewSharedAccessSignature(hub.DeviceResourceURI(c.hostname, c.auth.DeviceID), "", c.auth.Key,
			time.Now().Add(c.tokenLifetime))
		if err != nil {
			return err
		}
		r.Header.Set("Authorization", token)
	}

	res, err := c.httpClient.Do(r)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("sending event failed with status %d: %s", res.StatusCode, bytes.TrimSpace(body))
	}
	c.rlog.Debugf("sent %d bytes, status %d", len(payload), res.StatusCode)
	return nil
}

func (c *httpsClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
