package device

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/hub"
)

// TelemetryTopic returns the topic a device publishes telemetry to
func TelemetryTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

// Username returns the MQTT user name of a device
func Username(hostname, deviceID string) string {
	return hostname + "/" + deviceID + "/?api-version=" + APIVersion
}

type mqttClient struct {
	client      mqtt.Client
	topic       string
	sendTimeout time.Duration
	rlog        *logrus.Entry
}

func (d *Dialer) mqttOptions(hostname string, auth Auth) (*mqtt.ClientOptions, error) {
	o := mqtt.NewClientOptions().
		AddBroker("ssl://" + d.address(hostname, DefaultMQTTPort)).
		SetClientID(auth.DeviceID).
		SetUsername(Username(hostname, auth.DeviceID)).
		SetTLSConfig(d.tlsConfig(hostname, auth)).
		SetProtocolVersion(4).
		SetCleanSession(false).
		SetConnectTimeout(d.connectTimeout).
		SetWriteTimeout(d.sendTimeout).
		SetAutoReconnect(false)

	if !auth.IsX509() {
		token, err := hub.NewSharedAccessSignature(hub.DeviceResourceURI(hostname, auth.DeviceID), "", auth.Key,
			time.Now().Add(d.tokenLifetime))
		if err != nil {
			return nil, fmt.Errorf("cannot sign token for device %s: %w", auth.DeviceID, err)
		}
		o.SetPassword(token)
	}
	return o, nil
}

func (d *Dialer) connectMQTT(ctx context.Context, hostname string, auth Auth) (Client, error) {
	rlog := logger.FromContext(ctx)
	o, err := d.mqttOptions(hostname, auth)
	if err != nil {
		return nil, err
	}
	rlog.Infof("connecting device %s to %s via mqtt", auth.DeviceID, o.Servers[0].String())

	client := mqtt.NewClient(o)
	token := client.Connect()
	if err := wait(ctx, token, d.connectTimeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("cannot connect device %s: %w", auth.DeviceID, err)
	}
	return &mqttClient{
		client:      client,
		topic:       TelemetryTopic(auth.DeviceID),
		sendTimeout: d.sendTimeout,
		rlog:        rlog,
	}, nil
}

// SendEvent publishes the payload with QoS 1 and waits for the acknowledgement
func (c *mqttClient) SendEvent(ctx context.Context, payload []byte) error {
	c.rlog.Debugf("publish %d bytes to %s", len(payload), c.topic)
	return wait(ctx, c.client.Publish(c.topic, 1, false, payload), c.sendTimeout)
}

func (c *mqttClient) Close() error {
	c.client.Disconnect(250)
	return nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("no response within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
