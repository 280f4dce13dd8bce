package status

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/asnowfix/wifimgr/pkg/wifi"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type token struct{ err error }

func (t token) Wait() bool                     { return true }
func (t token) WaitTimeout(time.Duration) bool { return true }
func (t token) Error() error                   { return t.err }
func (t token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// client is an in-memory mqtt.Client recording publications.
type client struct {
	mu           sync.Mutex
	connected    bool
	published    []message
	disconnected bool
}

func (c *client) IsConnected() bool      { return c.connected }
func (c *client) IsConnectionOpen() bool { return c.connected }
func (c *client) Connect() mqtt.Token    { c.connected = true; return token{} }
func (c *client) Disconnect(uint)        { c.connected = false; c.disconnected = true }
func (c *client) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b []byte
	switch v := payload.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	}
	c.published = append(c.published, message{topic, retained, b})
	return token{}
}
func (c *client) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return token{} }
func (c *client) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return token{}
}
func (c *client) Unsubscribe(...string) mqtt.Token        { return token{} }
func (c *client) AddRoute(string, mqtt.MessageHandler)    {}
func (c *client) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func TestPublishRetainedStatus(t *testing.T) {
	c := &client{connected: true}
	p := NewWithClient(testr.New(t), c, "wifimgr/kitchen", time.Second)

	p.Publish(wifi.Status{SSID: "Home", BSSID: "AA:BB:CC:DD:EE:01", IP: "192.168.1.10", Strength: -55, Connected: true})

	c.mu.Lock()
	require.Len(t, c.published, 1)
	m := c.published[0]
	c.mu.Unlock()
	assert.Equal(t, "wifimgr/kitchen/status", m.topic)
	assert.True(t, m.retained)

	var got wifi.Status
	require.NoError(t, json.Unmarshal(m.payload, &got))
	assert.Equal(t, "Home", got.SSID)
	assert.Equal(t, -55, got.Strength)
}

func TestCloseAnnouncesOffline(t *testing.T) {
	c := &client{connected: true}
	p := NewWithClient(testr.New(t), c, "wifimgr/kitchen", time.Second)
	p.Close()

	require.Len(t, c.published, 1)
	assert.Equal(t, "wifimgr/kitchen/online", c.published[0].topic)
	assert.Equal(t, "false", string(c.published[0].payload))
	assert.True(t, c.disconnected)
}

func TestCloseWhileDisconnected(t *testing.T) {
	c := &client{}
	NewWithClient(testr.New(t), c, "wifimgr/kitchen", time.Second).Close()
	assert.Empty(t, c.published)
	assert.True(t, c.disconnected)
}

func TestClientOptionsCarryWill(t *testing.T) {
	broker, err := url.Parse("tcp://broker.local:1883")
	require.NoError(t, err)
	o := Options{Broker: broker, Topic: "wifimgr/kitchen", ClientID: "kitchen", Timeout: time.Second}
	opts := o.clientOptions(testr.New(t), "wifimgr/kitchen/online")

	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "wifimgr/kitchen/online", opts.WillTopic)
	assert.Equal(t, []byte("false"), opts.WillPayload)
	assert.True(t, opts.WillRetained)
	assert.Equal(t, "kitchen", opts.ClientID)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker.local:1883", opts.Servers[0].Host)
}

func TestLookupBroker(t *testing.T) {
	ctx := context.Background()
	log := testr.New(t)

	u, err := LookupBroker(ctx, log, "broker.local")
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.local:1883", u.String())

	u, err = LookupBroker(ctx, log, "192.168.1.2:8883")
	require.NoError(t, err)
	assert.Equal(t, "tcp://192.168.1.2:8883", u.String())

	u, err = LookupBroker(ctx, log, "ssl://broker.example.com:8883")
	require.NoError(t, err)
	assert.Equal(t, "ssl", u.Scheme)

	_, err = LookupBroker(ctx, log, "")
	assert.Error(t, err)
	_, err = LookupBroker(ctx, log, "broker:notaport")
	assert.Error(t, err)
}
