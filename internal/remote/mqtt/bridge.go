// Package mqtt bridges the command dispatcher and engine telemetry to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kartlab/escd/internal/dispatcher"
	"github.com/kartlab/escd/pkg/core"
	"github.com/kartlab/escd/pkg/streaming"
)

const (
	outboxSize     = 128
	connectTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second
)

// ErrConnect is returned when the broker cannot be reached.
var ErrConnect = errors.New("mqtt connect failed")

// Client is the part of paho.Client the bridge uses.
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Dispatcher routes supervision commands. Satisfied by *dispatcher.Dispatcher.
type Dispatcher interface {
	Dispatch(e dispatcher.Event) (any, error)
}

// Config holds broker and topic settings.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

func (c Config) topic(name string) string {
	if c.TopicPrefix == "" {
		return name
	}
	return c.TopicPrefix + "/" + name
}

type outMsg struct {
	topic   string
	payload []byte
}

// Bridge subscribes to <prefix>/cmd and publishes to <prefix>/status,
// <prefix>/events and <prefix>/ack.
type Bridge struct {
	cfg      Config
	client   Client
	dispatch Dispatcher
	logger   *slog.Logger

	out     chan outMsg
	dropped atomic.Int64
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	started atomic.Bool
}

// New builds a bridge with a paho client for cfg. It does not connect.
func New(cfg Config, d Dispatcher, logger *slog.Logger) *Bridge {
	b := newBridge(cfg, nil, d, logger)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	// the broker keeps the cmd subscription across reconnects
	opts.SetCleanSession(false)
	opts.OnConnect = func(paho.Client) {
		b.logger.Info("Connected to MQTT broker", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		b.logger.Warn("MQTT connection lost", "error", err)
	}
	b.client = paho.NewClient(opts)
	return b
}

func newBridge(cfg Config, client Client, d Dispatcher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		client:   client,
		dispatch: d,
		logger:   logger.With("component", "mqtt"),
		out:      make(chan outMsg, outboxSize),
		done:     make(chan struct{}),
	}
}

// Start connects and starts the publisher goroutine.
func (b *Bridge) Start() error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		b.client.Disconnect(0)
		return fmt.Errorf("%w: timeout after %s", ErrConnect, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if err := b.subscribe(); err != nil {
		b.client.Disconnect(0)
		return err
	}

	b.started.Store(true)
	b.wg.Add(1)
	go b.publishLoop()
	return nil
}

func (b *Bridge) subscribe() error {
	topic := b.cfg.topic("cmd")
	token := b.client.Subscribe(topic, 1, b.onCommand)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.logger.Info("Subscribed to topic", "topic", topic)
	return nil
}

func (b *Bridge) onCommand(_ paho.Client, msg paho.Message) {
	b.HandleCommand(msg.Payload())
}

// HandleCommand decodes a JSON command, dispatches it and queues the ack on <prefix>/ack.
func (b *Bridge) HandleCommand(payload []byte) streaming.AckMessage {
	var cmd streaming.CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		ack := streaming.NewAck("", nil, fmt.Errorf("invalid command: %w", err))
		b.enqueueJSON(b.cfg.topic("ack"), ack)
		return ack
	}

	res, err := b.dispatch.Dispatch(dispatcher.Event{
		Command:   cmd.Command,
		Args:      cmd.Args,
		Source:    "mqtt",
		Timestamp: time.Now(),
	})
	ack := streaming.NewAck(cmd.Command, res, err)
	b.enqueueJSON(b.cfg.topic("ack"), ack)
	return ack
}

// PublishStatus queues a status envelope. It never blocks.
func (b *Bridge) PublishStatus(st core.Status) {
	b.enqueueEnvelope(b.cfg.topic("status"), streaming.TypeStatus, streaming.StatusPayload{Status: st})
}

// PublishSafetyEvent queues a safety event envelope. It never blocks.
func (b *Bridge) PublishSafetyEvent(ev core.SafetyEvent) {
	b.enqueueEnvelope(b.cfg.topic("events"), streaming.TypeSafetyEvent, streaming.SafetyEventPayload{Event: ev, Sent: time.Now()})
}

// Dropped returns the number of messages dropped because the outbox was full.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bridge) enqueueEnvelope(topic, typ string, payload any) {
	env, err := streaming.NewEnvelope(typ, payload)
	if err != nil {
		b.logger.Error("Failed to encode envelope", "type", typ, "error", err)
		return
	}
	b.enqueueJSON(topic, env)
}

func (b *Bridge) enqueueJSON(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("Failed to encode message", "topic", topic, "error", err)
		return
	}
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.out <- outMsg{topic: topic, payload: data}:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case m := <-b.out:
			token := b.client.Publish(m.topic, 0, false, m.payload)
			if !token.WaitTimeout(publishTimeout) {
				b.logger.Warn("MQTT publish timed out", "topic", m.topic)
				continue
			}
			if err := token.Error(); err != nil {
				b.logger.Warn("MQTT publish failed", "topic", m.topic, "error", err)
			}
		}
	}
}

// Close stops publishing and disconnects. Queued messages are discarded.
func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		if b.started.Load() {
			b.client.Disconnect(250)
		}
	})
}
