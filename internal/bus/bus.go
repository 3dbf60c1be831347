// Package bus adapts the FIMS-style message-bus contract (§6 "External
// interfaces — message bus") onto MQTT: every get/set/pub/post is one MQTT
// publish whose topic encodes the method and URI ("<method><uri>", e.g.
// "get/components/boiler1/setpoint"), and a replyto is just another topic
// name the requester already subscribed to before sending.
package bus

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Message is one bus transaction in either direction.
type Message struct {
	Method  string // "get", "set", "pub", "post"
	URI     string
	ReplyTo string
	Body    []byte
}

// Handler is invoked for every message matching a Subscribe topic filter.
type Handler func(Message)

// Bus wraps one paho.mqtt.golang client connection.
type Bus struct {
	client mqtt.Client
	log    *zap.Logger
}

// Options configures the underlying MQTT connection.
type Options struct {
	Broker        string
	ClientID      string
	Username      string
	Password      string
	KeepAlive     time.Duration
	ConnectTimeout time.Duration
}

// Connect dials the broker and returns a ready Bus. The returned Bus
// auto-reconnects (paho's AutoReconnect) — callers don't need their own
// reconnect loop. Connect sets CleanSession to false, so the broker keeps
// the session's subscriptions across a reconnect.
func Connect(opts Options, log *zap.Logger) (*Bus, error) {
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("modbusgw_%d", time.Now().UnixNano())
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(opts.Broker)
	mo.SetClientID(opts.ClientID)
	mo.SetCleanSession(false)
	mo.SetAutoReconnect(true)
	mo.SetKeepAlive(opts.KeepAlive)
	mo.SetConnectTimeout(opts.ConnectTimeout)
	if opts.Username != "" {
		mo.SetUsername(opts.Username)
		mo.SetPassword(opts.Password)
	}

	b := &Bus{log: log}
	mo.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("bus connection lost", zap.Error(err))
	})
	mo.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info("bus connected", zap.String("broker", opts.Broker))
	})

	client := mqtt.NewClient(mo)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to bus %q: %w", opts.Broker, token.Error())
	}
	b.client = client
	return b, nil
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// acks to drain.
func (b *Bus) Close() {
	b.client.Disconnect(250)
}

// topicFor builds the wire topic for a method+uri pair.
func topicFor(method, uri string) string {
	return method + uri
}

// Publish sends a pub (unsolicited value change, §4.7) or post (command,
// §6) message.
func (b *Bus) Publish(method, uri string, body []byte) error {
	topic := topicFor(method, uri)
	token := b.client.Publish(topic, 0, false, body)
	token.Wait()
	return token.Error()
}

// Request sends a get/set expecting a reply on replyTo, which the caller
// must already be subscribed to.
func (b *Bus) Request(method, uri, replyTo string, body []byte) error {
	return b.Publish(method, uri+"?replyto="+replyTo, body)
}

// Reply publishes directly to a replyto topic — not method-prefixed, since
// a reply isn't itself a get/set/pub/post (§6).
func (b *Bus) Reply(replyTo string, body []byte) error {
	token := b.client.Publish(replyTo, 0, false, body)
	token.Wait()
	return token.Error()
}

// Subscribe registers handler for every message published under
// topicFilter (an MQTT topic filter, which may use +/# wildcards).
// Incoming topics are split into method/URI on the first '/'.
func (b *Bus) Subscribe(topicFilter string, handler Handler) error {
	token := b.client.Subscribe(topicFilter, 0, func(_ mqtt.Client, m mqtt.Message) {
		method, uri, replyTo := parseTopic(m.Topic())
		handler(Message{Method: method, URI: uri, ReplyTo: replyTo, Body: m.Payload()})
	})
	token.Wait()
	return token.Error()
}

func parseTopic(topic string) (method, uri, replyTo string) {
	i := strings.IndexByte(topic, '/')
	if i < 0 {
		return topic, "", ""
	}
	method = topic[:i]
	rest := topic[i:]
	if q := strings.Index(rest, "?replyto="); q >= 0 {
		return method, rest[:q], rest[q+len("?replyto="):]
	}
	return method, rest, ""
}
