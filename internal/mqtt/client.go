package mqtt

import (
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AaronLay10/Constellation/internal/log"
)

const (
	defaultBrokerURL = "tcp://localhost:1883"
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 10 * time.Second
	publishTimeout   = 2 * time.Second
	ackTimeout       = 10 * time.Second
)

// PublishToken completes when the broker acknowledges a publish. paho.Token
// satisfies it.
type PublishToken interface {
	Done() <-chan struct{}
	Error() error
}

// Conn is the subset of broker operations the bridge and dispatcher need.
// Publish must not wait for the broker.
type Conn interface {
	Publish(topic string, payload []byte) PublishToken
	Subscribe(topic string, handler paho.MessageHandler) error
}

// Options configures a Client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// Client wraps the Paho MQTT client.
type Client struct {
	client    paho.Client
	brokerURL string
	log       *logrus.Entry

	mu        sync.Mutex
	onConnect []func()
}

// BrokerURL returns the MQTT broker URL from env or default.
func BrokerURL() string {
	if url := os.Getenv("MQTT_URL"); url != "" {
		return url
	}
	return defaultBrokerURL
}

// NewClient creates a new MQTT client but does not connect.
func NewClient(o Options) *Client {
	if o.BrokerURL == "" {
		o.BrokerURL = BrokerURL()
	}
	if o.ClientID == "" {
		o.ClientID = "constellation"
	}

	c := &Client{
		brokerURL: o.BrokerURL,
		log:       log.WithComponent("mqtt").WithField("broker", o.BrokerURL),
	}

	opts := paho.NewClientOptions().
		AddBroker(o.BrokerURL).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(func(paho.Client) { c.connected() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.WithError(err).Warn("connection lost")
		})
	if o.Username != "" {
		opts.SetUsername(o.Username).SetPassword(o.Password)
	}

	c.client = paho.NewClient(opts)
	return c
}

// OnConnect registers fn to run after every successful (re)connect.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *Client) connected() {
	c.mu.Lock()
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	c.log.Info("connected")
	for _, fn := range hooks {
		fn()
	}
}

// Connect attempts to connect to the broker.
// Returns an error if connection fails, but does not block indefinitely.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return &ConnectTimeoutError{}
	}
	return errors.Wrapf(token.Error(), "mqtt connect %s", c.brokerURL)
}

// Subscribe subscribes to a topic with the given handler.
func (c *Client) Subscribe(topic string, handler paho.MessageHandler) error {
	token := c.client.Subscribe(topic, 1, handler)
	if !token.WaitTimeout(subscribeTimeout) {
		return &SubscribeTimeoutError{Topic: topic}
	}
	return errors.Wrapf(token.Error(), "mqtt subscribe %s", topic)
}

// Publish queues payload at QoS 1 and returns without waiting for the
// broker. While reconnecting paho holds the message until the session is back.
func (c *Client) Publish(topic string, payload []byte) PublishToken {
	return c.client.Publish(topic, 1, false, payload)
}

// Disconnect cleanly disconnects from the broker.
func (c *Client) Disconnect() {
	c.client.Disconnect(1000)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// ConnectTimeoutError indicates connection timed out.
type ConnectTimeoutError struct{}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout"
}

// SubscribeTimeoutError indicates subscription timed out.
type SubscribeTimeoutError struct {
	Topic string
}

func (e *SubscribeTimeoutError) Error() string {
	return "mqtt subscribe timeout: " + e.Topic
}

// PublishTimeoutError indicates the broker did not acknowledge a publish in time.
type PublishTimeoutError struct {
	Topic string
}

func (e *PublishTimeoutError) Error() string {
	return "mqtt publish timeout: " + e.Topic
}

// StartWithRetry connects and logs the failure instead of returning it. The
// client keeps retrying in the background, and OnConnect hooks run once it
// succeeds.
func (c *Client) StartWithRetry() bool {
	if err := c.Connect(); err != nil {
		c.log.WithError(err).Warn("initial connect failed, retrying in background")
		return false
	}
	return true
}
