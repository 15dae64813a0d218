package services

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeClient keeps its handlers after Disconnect so late deliveries from a
// replaced connection can be simulated.
type fakeClient struct {
	broker *fakeBroker
	opts   *mqtt.ClientOptions

	mu          sync.Mutex
	connected   bool
	disconnects int
	handlers    map[string]mqtt.MessageHandler
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	if err := c.broker.nextConnectErr(); err != nil {
		return doneToken(err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	c.broker.Publish(topic, b)
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	if err := c.broker.subscribeErr(topic); err != nil {
		return doneToken(err)
	}
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic := range filters {
		c.Subscribe(topic, 0, callback)
	}
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(c.opts)
}

func (c *fakeClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h != nil {
		h(c, &fakeMessage{topic: topic, payload: payload})
	}
}

// dropConnection simulates an unexpected transport failure.
func (c *fakeClient) dropConnection(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(c, err)
	}
}

type fakeBroker struct {
	mu          sync.Mutex
	clients     []*fakeClient
	connectErrs []error
	failTopics  map[string]error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{failTopics: make(map[string]error)}
}

func (b *fakeBroker) factory(opts *mqtt.ClientOptions) mqtt.Client {
	c := &fakeClient{broker: b, opts: opts, handlers: make(map[string]mqtt.MessageHandler)}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

// failNextConnects makes the next len(errs) connects fail with errs in order.
func (b *fakeBroker) failNextConnects(errs ...error) {
	b.mu.Lock()
	b.connectErrs = append(b.connectErrs, errs...)
	b.mu.Unlock()
}

func (b *fakeBroker) nextConnectErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connectErrs) == 0 {
		return nil
	}
	err := b.connectErrs[0]
	b.connectErrs = b.connectErrs[1:]
	return err
}

func (b *fakeBroker) subscribeErr(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failTopics[topic]
}

// Publish delivers to every client that ever subscribed to topic.
func (b *fakeBroker) Publish(topic string, payload []byte) {
	b.mu.Lock()
	clients := append([]*fakeClient(nil), b.clients...)
	b.mu.Unlock()
	for _, c := range clients {
		c.deliver(topic, payload)
	}
}

func (b *fakeBroker) Clients() []*fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeClient(nil), b.clients...)
}

func (b *fakeBroker) last() *fakeClient {
	clients := b.Clients()
	if len(clients) == 0 {
		return nil
	}
	return clients[len(clients)-1]
}

var errBrokerDown = errors.New("dial tcp: connection refused")
