package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("broker did not acknowledge in time")

// Message is a single MQTT publish.
type Message struct {
	Topic   string
	Payload string
}

// Publisher delivers a message with at-least-once semantics and returns once
// the broker acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Options configures the paho client.
type Options struct {
	URL            string
	Transport      string
	Username       string
	Password       string
	ClientIDPrefix string
	Timeout        time.Duration
}

// Paho talks to the broker through eclipse/paho.mqtt.golang. Publish opens a
// fresh connection per call; Listen keeps one open until its context ends.
type Paho struct {
	opts      Options
	brokerURL string
	log       *logrus.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewPaho resolves the broker address and returns a ready client.
func NewPaho(opts Options, log *logrus.Logger) (*Paho, error) {
	brokerURL, err := ResolveURL(opts.URL, opts.Transport)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Paho{
		opts:      opts,
		brokerURL: brokerURL,
		log:       log,
		newClient: mqtt.NewClient,
	}, nil
}

// BrokerURL is the resolved address paho dials.
func (p *Paho) BrokerURL() string {
	return p.brokerURL
}

func (p *Paho) clientOptions(role string) *mqtt.ClientOptions {
	clientID := fmt.Sprintf("%s-%s-%s", p.opts.ClientIDPrefix, role, uuid.NewString()[:8])
	opts := mqtt.NewClientOptions().
		AddBroker(p.brokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetConnectTimeout(p.opts.Timeout).
		SetOrderMatters(false)
	if p.opts.Username != "" {
		opts.SetUsername(p.opts.Username)
		opts.SetPassword(p.opts.Password)
	}
	return opts
}

// Publish connects, publishes at QoS 1 and disconnects. The whole exchange is
// bounded by the configured timeout; exceeding it yields ErrTimeout.
func (p *Paho) Publish(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	opts := p.clientOptions("cmd").
		SetAutoReconnect(false).
		SetConnectRetry(false)
	client := p.newClient(opts)

	// Registered before the connect wait so a late connect is still torn down.
	defer client.Disconnect(250)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", p.brokerURL, err)
	}

	if err := wait(ctx, client.Publish(msg.Topic, 1, false, msg.Payload)); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Listen subscribes to topic at QoS 1 and calls handler for every message
// until ctx is cancelled. The subscription is renewed after reconnects.
func (p *Paho) Listen(ctx context.Context, topic string, handler func(Message)) error {
	onMessage := func(_ mqtt.Client, m mqtt.Message) {
		handler(Message{Topic: m.Topic(), Payload: string(m.Payload())})
	}

	opts := p.clientOptions("listen").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		tok := c.Subscribe(topic, 1, onMessage)
		if tok.WaitTimeout(p.opts.Timeout) && tok.Error() == nil {
			p.log.WithField("topic", topic).Info("mqtt subscription active")
			return
		}
		p.log.WithFields(logrus.Fields{"topic": topic, "error": tok.Error()}).Error("mqtt subscribe failed")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.WithError(err).Warn("mqtt connection lost")
	})

	client := p.newClient(opts)
	tok := client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect to %s: %w", p.brokerURL, err)
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return nil
	}

	<-ctx.Done()
	client.Disconnect(250)
	return nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}
