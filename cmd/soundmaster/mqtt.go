package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTRemote bridges the broker to the control loop. Inbound messages become
// intents on the shared queue; snapshots are published retained.
type MQTTRemote struct {
	cfg    MQTTConfig
	codec  remoteCodec
	queue  *IntentQueue
	events chan<- Event
	logger *slog.Logger

	enqueueTimeout time.Duration

	client mqtt.Client
	out    chan Snapshot
	inbox  chan inboundMessage
	ctx    context.Context
}

// inboundMessage is a received command waiting to be decoded and queued.
type inboundMessage struct {
	topic   string
	payload []byte
}

// mqttInboxSize bounds commands received but not yet handed to the queue.
const mqttInboxSize = 64

func NewMQTTRemote(cfg MQTTConfig, inputs []string, queue *IntentQueue, events chan<- Event, enqueueTimeout time.Duration, logger *slog.Logger) *MQTTRemote {
	r := &MQTTRemote{
		cfg:            cfg,
		codec:          newRemoteCodec(cfg.MainTopic, inputs),
		queue:          queue,
		events:         events,
		logger:         logger,
		enqueueTimeout: enqueueTimeout,
		out:            make(chan Snapshot, 16),
		inbox:          make(chan inboundMessage, mqttInboxSize),
		ctx:            context.Background(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Server, cfg.Port)).
		SetClientID(mqttClientID(cfg.ClientID)).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(30*time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetWill(r.codec.topic(topicAvailability), "offline", byte(cfg.QoS), true).
		SetOnConnectHandler(r.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	r.client = mqtt.NewClient(opts)
	return r
}

// mqttClientID returns the configured id or a unique one per process start.
func mqttClientID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "soundmaster"
	}
	return host + "-" + uuid.NewString()[:8]
}

// PublishSnapshot implements SnapshotSink. It never blocks the control loop;
// when the publisher falls behind the oldest pending snapshot is discarded.
func (r *MQTTRemote) PublishSnapshot(s Snapshot) {
	for {
		select {
		case r.out <- s:
			return
		default:
		}
		select {
		case <-r.out:
		default:
		}
	}
}

// Run connects and publishes snapshots until ctx is canceled. Connection
// failures are retried by the client; they never stop the daemon.
func (r *MQTTRemote) Run(ctx context.Context) error {
	r.ctx = ctx
	addr := fmt.Sprintf("%s:%d", r.cfg.Server, r.cfg.Port)
	r.logger.Info("mqtt connecting", "broker", addr, "topic", r.codec.main)

	go r.forward(ctx)

	token := r.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			r.logger.Error("mqtt connect failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if r.client.IsConnectionOpen() {
				t := r.client.Publish(r.codec.topic(topicAvailability), byte(r.cfg.QoS), true, "offline")
				t.WaitTimeout(time.Second)
			}
			r.client.Disconnect(250)
			r.logger.Info("mqtt disconnected")
			return nil

		case s := <-r.out:
			r.publish(s)
		}
	}
}

func (r *MQTTRemote) publish(s Snapshot) {
	if !r.client.IsConnectionOpen() {
		// The full snapshot is republished on (re)connect.
		return
	}
	msgs, err := r.codec.encodeSnapshot(s)
	if err != nil {
		r.logger.Error("mqtt encode snapshot failed", "error", err)
		return
	}
	for _, m := range msgs {
		t := r.client.Publish(m.Topic, byte(r.cfg.QoS), true, m.Payload)
		if !t.WaitTimeout(2*time.Second) || t.Error() != nil {
			r.logger.Warn("mqtt publish failed", "topic", m.Topic, "error", t.Error())
		}
	}
}

func (r *MQTTRemote) onConnect(c mqtt.Client) {
	r.logger.Info("mqtt connected")

	for _, topic := range r.codec.inbound() {
		t := c.Subscribe(topic, byte(r.cfg.QoS), r.onMessage)
		if t.WaitTimeout(5*time.Second) && t.Error() != nil {
			r.logger.Error("mqtt subscribe failed", "topic", topic, "error", t.Error())
		}
	}
	c.Publish(r.codec.topic(topicAvailability), byte(r.cfg.QoS), true, "online")

	// Retained topics may be stale after a broker restart; push current state.
	go func() {
		snap, err := requestSnapshot(r.ctx, r.events, snapshotReplyTimeout)
		if err != nil {
			r.logger.Warn("mqtt initial snapshot unavailable", "error", err)
			return
		}
		r.PublishSnapshot(snap)
	}()
}

// onMessage runs on the client's router goroutine. With order matters set
// paho calls it once per message in arrival order and it must not block, so
// it only appends to the inbox; forward does the queueing.
func (r *MQTTRemote) onMessage(_ mqtt.Client, m mqtt.Message) {
	if m.Retained() {
		// Commands are not replayed from retained messages.
		return
	}
	select {
	case r.inbox <- inboundMessage{topic: m.Topic(), payload: m.Payload()}:
	default:
		r.logger.Warn("mqtt inbox full, message dropped", "topic", m.Topic())
	}
}

// forward drains the inbox in order until ctx is canceled.
func (r *MQTTRemote) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.inbox:
			r.handleMessage(ctx, m.topic, m.payload)
		}
	}
}

func (r *MQTTRemote) handleMessage(ctx context.Context, topic string, payload []byte) {
	in, err := r.codec.decodeRemoteMessage(topic, payload)
	if err != nil {
		r.logger.Warn("mqtt message rejected", "error", err)
		return
	}
	ev := IntentEvent{Intent: in, Source: SourceMQTT, At: time.Now()}
	if err := r.queue.OfferWait(ctx, ev, r.enqueueTimeout); err != nil {
		r.logger.Warn("mqtt intent not queued", "intent", in.String(), "error", err)
	}
}
