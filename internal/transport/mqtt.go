package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/signalsfoundry/obu-negotiator/internal/logging"
)

// DefaultConnectTimeout bounds the initial broker connection.
const DefaultConnectTimeout = 10 * time.Second

// MQTTConfig describes the broker connection of one unit.
type MQTTConfig struct {
	Host           string
	Port           int
	ClientID       string
	ConnectTimeout time.Duration
	QoS            byte
}

// ApplyDefaults fills zero fields.
func (c MQTTConfig) ApplyDefaults() MQTTConfig {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// BrokerURL returns the tcp:// URL for the broker.
func (c MQTTConfig) BrokerURL() string {
	return "tcp://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewClientID returns a broker client ID unique to this process run.
func NewClientID(unitID string) string {
	return fmt.Sprintf("obu-%s-%s", unitID, uuid.NewString())
}

// MQTT is a Bus backed by an MQTT broker. Subscriptions are restored
// whenever the client reconnects.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    logging.Logger

	mu     sync.Mutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool
}

var _ Bus = (*MQTT)(nil)

// MQTTOption customises the MQTT adapter.
type MQTTOption func(*MQTT)

// WithLogger attaches a logger to the adapter.
func WithLogger(l logging.Logger) MQTTOption {
	return func(m *MQTT) {
		if l != nil {
			m.log = l
		}
	}
}

// DialMQTT connects to the broker described by cfg and waits for the
// connection, the connect timeout, or ctx, whichever comes first.
func DialMQTT(ctx context.Context, cfg MQTTConfig, opts ...MQTTOption) (*MQTT, error) {
	cfg = cfg.ApplyDefaults()
	if cfg.Host == "" {
		return nil, errors.New("mqtt: broker host is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = NewClientID("anon")
	}

	m := &MQTT{
		cfg:  cfg,
		log:  logging.Noop(),
		subs: make(map[string]map[int]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}

	co := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warn(context.Background(), "mqtt connection lost",
				logging.String("broker", cfg.BrokerURL()),
				logging.String("error", err.Error()),
			)
		})
	m.client = mqtt.NewClient(co)

	if err := wait(ctx, m.client.Connect(), cfg.ConnectTimeout); err != nil {
		m.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.BrokerURL(), err)
	}
	m.log.Info(ctx, "mqtt connected",
		logging.String("broker", cfg.BrokerURL()),
		logging.String("client_id", cfg.ClientID),
	)
	return m, nil
}

// Publish implements Publisher.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := wait(ctx, m.client.Publish(topic, m.cfg.QoS, false, payload), m.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Subscriber. The broker subscription for a topic is
// shared by every local handler on it.
func (m *MQTT) Subscribe(topic string, h Handler) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	first := len(m.subs[topic]) == 0
	if first {
		m.subs[topic] = make(map[int]Handler)
	}
	id := m.nextID
	m.nextID++
	m.subs[topic][id] = h
	m.mu.Unlock()

	if first {
		if err := wait(context.Background(), m.client.Subscribe(topic, m.cfg.QoS, m.dispatch), m.cfg.ConnectTimeout); err != nil {
			m.mu.Lock()
			delete(m.subs[topic], id)
			m.mu.Unlock()
			return nil, fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(topic, id) })
	}, nil
}

func (m *MQTT) unsubscribe(topic string, id int) {
	m.mu.Lock()
	delete(m.subs[topic], id)
	last := len(m.subs[topic]) == 0
	if last {
		delete(m.subs, topic)
	}
	closed := m.closed
	m.mu.Unlock()

	if last && !closed {
		if err := wait(context.Background(), m.client.Unsubscribe(topic), m.cfg.ConnectTimeout); err != nil {
			m.log.Warn(context.Background(), "mqtt unsubscribe failed",
				logging.String("topic", topic),
				logging.String("error", err.Error()),
			)
		}
	}
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.subs = make(map[string]map[int]Handler)
	m.mu.Unlock()

	m.client.Disconnect(250)
	return nil
}

func (m *MQTT) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MQTT) dispatch(_ mqtt.Client, msg mqtt.Message) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[msg.Topic()]))
	for _, h := range m.subs[msg.Topic()] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg.Topic(), msg.Payload())
	}
}

// onConnect restores broker subscriptions after a (re)connect.
func (m *MQTT) onConnect(c mqtt.Client) {
	m.mu.Lock()
	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	m.mu.Unlock()

	for _, t := range topics {
		tok := c.Subscribe(t, m.cfg.QoS, m.dispatch)
		go func(topic string) {
			if err := wait(context.Background(), tok, m.cfg.ConnectTimeout); err != nil {
				m.log.Warn(context.Background(), "mqtt resubscribe failed",
					logging.String("topic", topic),
					logging.String("error", err.Error()),
				)
			}
		}(t)
	}
}

// wait blocks until tok completes, timeout elapses or ctx is done.
func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
