package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/config"
)

// offlineBuffer is the number of messages kept while the broker is away.
const offlineBuffer = 256

// MQTTPublisher publishes to a broker via paho with automatic reconnect.
// Messages published while disconnected are buffered and replayed, the
// oldest are dropped when the buffer is full.
type MQTTPublisher struct {
	client   paho.Client
	prefix   string
	qos      byte
	retained bool
	timeout  time.Duration
	logger   *zap.Logger

	mu  sync.Mutex
	buf *ringBuffer
}

func NewMQTTPublisher(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	p := &MQTTPublisher{
		prefix:   prefix,
		qos:      byte(cfg.QoS),
		retained: cfg.Retained,
		timeout:  timeout,
		logger:   logger,
		buf:      newRingBuffer(offlineBuffer),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("MQTT connection lost", zap.Error(err))
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		// SetConnectRetry keeps trying in the background
		logger.Warn("MQTT broker not reachable yet, buffering", zap.String("broker", cfg.Broker))
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.Broker, err)
	}

	logger.Info("MQTT connected", zap.String("broker", cfg.Broker), zap.String("prefix", prefix))
	return p, nil
}

func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	full := p.prefix + topic

	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(bufferedMsg{topic: full, payload: payload})
		p.mu.Unlock()
		return nil
	}

	token := p.client.Publish(full, p.qos, p.retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", full)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", full, err)
	}
	return nil
}

// onConnect replays what was buffered while offline.
func (p *MQTTPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	dropped := p.buf.overflow
	msgs := p.buf.drainAll()
	p.mu.Unlock()

	if len(msgs) > 0 {
		p.logger.Info("MQTT reconnected, replaying buffer",
			zap.Int("messages", len(msgs)),
			zap.Bool("dropped", dropped))
	}
	for _, m := range msgs {
		c.Publish(m.topic, p.qos, p.retained, m.payload)
	}
}

func (p *MQTTPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

type bufferedMsg struct {
	topic   string
	payload []byte
}

// ringBuffer is a fixed-capacity FIFO. Not safe for concurrent use.
type ringBuffer struct {
	buf      []bufferedMsg
	head     int
	count    int
	overflow bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]bufferedMsg, capacity)}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	r.buf[r.head] = msg
	r.head = (r.head + 1) % len(r.buf)
	if r.count == len(r.buf) {
		r.overflow = true
		return
	}
	r.count++
}

func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}
	out := make([]bufferedMsg, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	r.head, r.count, r.overflow = 0, 0, false
	return out
}
