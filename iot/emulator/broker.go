package emulator

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/certs"
)

// DefaultBrokerAddress is the listen address of the MQTT broker
const DefaultBrokerAddress = ":8883"

// Broker is the MQTT endpoint of the emulator
type Broker struct {
	p    *plugin
	ln   net.Listener
	stop func(ctx context.Context)
}

// BrokerBuilder is a builder helper for the Broker
type BrokerBuilder struct {
	// Emulator provides devices and the telemetry handler. This is mandatory.
	Emulator *Emulator
	// Address is the listen address, DefaultBrokerAddress if empty
	Address string
	// Certificate is the server certificate. This is mandatory.
	Certificate *tls.Certificate
}

// plugin is the plugin for GMQTT
type plugin struct {
	e *Emulator

	thumbprintsRwmux sync.RWMutex
	thumbprints      map[net.Conn]string

	service gmqtt.Server
}

// NewBroker returns a new broker listening on the address. The broker will not
// accept connections until you call Run()
func NewBroker(bb *BrokerBuilder) (*Broker, error) {
	if bb.Emulator == nil {
		panic("emulator is missing")
	}
	if bb.Certificate == nil {
		panic("certificate is missing")
	}
	address := bb.Address
	if len(address) == 0 {
		address = DefaultBrokerAddress
	}

	// client certificates are optional and checked against the registry, not a CA
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*bb.Certificate},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	ln, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		return nil, err
	}

	return &Broker{
		ln: ln,
		p: &plugin{
			e:           bb.Emulator,
			thumbprints: make(map[net.Conn]string),
		},
	}, nil
}

// Addr returns the listen address of the broker
func (b *Broker) Addr() net.Addr {
	return b.ln.Addr()
}

// Run starts the server and returns
func (b *Broker) Run() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.stop = func(ctx context.Context) { s.Stop(ctx) }
	logger.Default().Infoln("mqtt broker listening on", b.ln.Addr())
}

// Stop gracefully stops a running broker
func (b *Broker) Stop(ctx context.Context) {
	if b.stop == nil {
		b.ln.Close()
		return
	}
	b.stop(ctx)
	logger.Default().Infoln("mqtt broker stopped")
}

// SendToDevice publishes a cloud-to-device message with quality level 1. The device must
// be subscribed to its devicebound topic.
func (b *Broker) SendToDevice(deviceID string, payload []byte) {
	topic := "devices/" + deviceID + "/messages/devicebound/"
	logger.Default().Debugf("publish on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "iot hub emulator" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

// pendingThumbprints returns the number of accepted connections that have not yet
// connected or closed
func (p *plugin) pendingThumbprints() int {
	p.thumbprintsRwmux.RLock()
	defer p.thumbprintsRwmux.RUnlock()
	return len(p.thumbprints)
}

// takeThumbprint returns the client certificate thumbprint of the connection and
// forgets it. It is needed only once, when the client connects.
func (p *plugin) takeThumbprint(conn net.Conn) string {
	p.thumbprintsRwmux.Lock()
	defer p.thumbprintsRwmux.Unlock()
	thumbprint := p.thumbprints[conn]
	delete(p.thumbprints, conn)
	return thumbprint
}

// OnAcceptWrapper completes the TLS handshake and rejects unknown client certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				logger.Default().WithError(err).Debugln("tls handshake failed")
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.PeerCertificates) > 0 {
				thumbprint := certs.Thumbprint(state.PeerCertificates[0])
				if _, err := p.e.store.FindByThumbprint(ctx, thumbprint); err != nil {
					logger.Default().Infoln("accept denied, unknown certificate", thumbprint)
					return false
				}
				p.thumbprintsRwmux.Lock()
				p.thumbprints[conn] = thumbprint
				p.thumbprintsRwmux.Unlock()
			}
		}
		return accept(ctx, conn)
	}
}

// OnCloseWrapper drops the thumbprint of connections closed before CONNECT
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.takeThumbprint(client.Connection())
		closed(ctx, client, err)
	}
}

// OnConnectWrapper authenticates the device named by the client ID
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		deviceID := options.ClientID()
		thumbprint := p.takeThumbprint(client.Connection())
		rlog := logger.Default().WithField("device", deviceID)

		username := string(options.Username())
		if !strings.HasPrefix(username, p.e.hostName+"/"+deviceID+"/") {
			rlog.Infoln("connect denied, bad user name", username)
			return packets.CodeNotAuthorized
		}
		d, err := p.e.store.GetDevice(ctx, deviceID)
		if err == nil {
			err = authorizeDevice(d, p.e.hostName, string(options.Password()), thumbprint, time.Now())
		}
		if err != nil {
			rlog.WithError(err).Infoln("connect denied")
			return packets.CodeNotAuthorized
		}
		rlog.Infoln("connect")
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper forwards telemetry and drops everything else
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		deviceID := client.OptionsReader().ClientID()
		topic := msg.Topic()
		if !strings.HasPrefix(topic, "devices/"+deviceID+"/messages/events/") {
			logger.Default().WithField("device", deviceID).Infoln("publish denied on", topic)
			return false
		}
		ctx, _ = logger.ContextWithDevice(ctx, deviceID)
		p.e.onTelemetry(ctx, deviceID, msg.Payload())
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		if !strings.HasPrefix(topic.Name, "devices/"+deviceID+"/messages/devicebound/") {
			logger.Default().WithField("device", deviceID).Infoln("subscribe denied on", topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logger.Default().WithField("device", client.OptionsReader().ClientID()).Debugln("subscribed", topic.Name)
		subscribed(ctx, client, topic)
	}
}
