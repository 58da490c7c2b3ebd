package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
)

const (
	DefaultTopic = "harmonics"

	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // ms

	statusOnline  = "online"
	statusOffline = "offline"
)

var (
	// ErrNotConnected is returned when publishing while the broker is unreachable
	ErrNotConnected = errors.New("mqtt not connected")

	// ErrPublishTimeout is returned when the broker does not acknowledge in time
	ErrPublishTimeout = errors.New("mqtt publish timed out")
)

// Config holds the broker connection settings.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string // Topic prefix, reports go to <Topic>/report
	ClientID string // Random when empty
	Username string
	Password string
	QoS      byte
}

func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.New("publish.Config: broker is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("publish.Config: QoS must be 0, 1 or 2: %d given", c.QoS)
	}
	return nil
}

// Message is the MQTT representation of a report. Spectra are left out, the
// highlighted frequency ranges are sent instead.
type Message struct {
	ID         uuid.UUID               `json:"id"`
	CreatedAt  time.Time               `json:"createdAt"`
	PairID     uuid.UUID               `json:"pairID"`
	SampleRate float64                 `json:"sampleRate"`
	BinWidth   float64                 `json:"binWidth"`
	Voltage    []harmonics.Issue       `json:"voltage"`
	Current    []harmonics.Issue       `json:"current"`
	Highlights []diagnostics.Highlight `json:"highlights,omitempty"`
	Text       string                  `json:"text"`
}

// NewMessage builds the MQTT message of r.
func NewMessage(r *diagnostics.Report) Message {
	return Message{
		ID:         r.ID,
		CreatedAt:  r.CreatedAt,
		PairID:     r.PairID,
		SampleRate: r.SampleRate,
		BinWidth:   r.BinWidth,
		Voltage:    r.Voltage.Issues,
		Current:    r.Current.Issues,
		Highlights: r.Highlights(),
		Text:       r.Text(),
	}
}

// client is the part of mqtt.Client the publisher needs.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Metrics receives the outcome of every publication.
type Metrics interface {
	ObservePublish(err error)
}

// WithLogger sets the logger for the publisher
func WithLogger(logger *slog.Logger) func(*MQTTPublisher) {
	return func(p *MQTTPublisher) {
		p.logger = logger.With(slog.String("component", "mqtt"))
	}
}

// WithMetrics sets the metrics sink for the publisher
func WithMetrics(m Metrics) func(*MQTTPublisher) {
	return func(p *MQTTPublisher) {
		p.metrics = m
	}
}

// MQTTPublisher publishes diagnostics reports to an MQTT broker. The availability of
// the engine is kept as a retained message on <topic>/status, the broker publishes
// "offline" there when the connection drops.
type MQTTPublisher struct {
	client client
	config Config

	logger  *slog.Logger
	metrics Metrics
}

func generateClientID() string {
	return "harmonics_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewMQTTPublisher connects to the broker. The connection is retried in the
// background, so a broker that is down at startup does not fail the call.
func NewMQTTPublisher(config Config, options ...func(*MQTTPublisher)) (*MQTTPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	config.Topic = strings.TrimSuffix(config.Topic, "/")
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}

	p := MQTTPublisher{
		config: config,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&p)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(p.statusTopic(), statusOffline, config.QoS, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		p.logger.Info("connected to broker", slog.String("broker", config.Broker))
		c.Publish(p.statusTopic(), config.QoS, true, statusOnline)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn(fmt.Sprintf("connection lost: %s", err.Error()))
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		p.logger.Info("reconnecting to broker")
	})

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt broker: %w", token.Error())
	}

	p.client = c
	return &p, nil
}

// newMQTTPublisherWithClient is used in tests
func newMQTTPublisherWithClient(c client, config Config, options ...func(*MQTTPublisher)) *MQTTPublisher {
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	p := MQTTPublisher{
		client: c,
		config: config,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&p)
	}
	return &p
}

func (p *MQTTPublisher) reportTopic() string {
	return p.config.Topic + "/report"
}

func (p *MQTTPublisher) statusTopic() string {
	return p.config.Topic + "/status"
}

// Publish sends r to <topic>/report, not retained, and waits for the broker to
// acknowledge it.
func (p *MQTTPublisher) Publish(r *diagnostics.Report) (err error) {
	defer func() {
		if p.metrics != nil {
			p.metrics.ObservePublish(err)
		}
	}()

	if r == nil {
		return errors.New("nil report")
	}
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(NewMessage(r))
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	token := p.client.Publish(p.reportTopic(), p.config.QoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	if err = token.Error(); err != nil {
		return fmt.Errorf("publishing report: %w", err)
	}

	p.logger.Debug("report published", slog.String("report", r.ID.String()), slog.String("topic", p.reportTopic()))
	return nil
}

// Close marks the engine offline and disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		token := p.client.Publish(p.statusTopic(), p.config.QoS, true, statusOffline)
		token.WaitTimeout(publishTimeout)
		p.client.Disconnect(disconnectQuiesce)
	}
	return nil
}
