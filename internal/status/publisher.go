// Package status publishes the association status to an MQTT broker. The
// status topic is retained, and a last will marks the device offline when
// it drops off without saying goodbye.
package status

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/asnowfix/wifimgr/pkg/wifi"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"
)

const (
	qos            = 1
	disconnectWait = 250 // milliseconds
)

type Options struct {
	Broker   *url.URL
	Topic    string // prefix, e.g. wifimgr/<device>
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

type Publisher struct {
	log     logr.Logger
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

func (o Options) clientOptions(log logr.Logger, online string) *mqtt.ClientOptions {
	id := o.ClientID
	if id == "" {
		id = fmt.Sprintf("%s-%d", path.Base(os.Args[0]), os.Getpid())
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker.String())
	opts.SetClientID(id)
	opts.SetUsername(o.Username)
	opts.SetPassword(o.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(o.Timeout)
	opts.SetWill(online, "false", qos, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("MQTT client connected", "broker", o.Broker.String(), "client_id", id)
		c.Publish(online, qos, true, "true")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Info("MQTT connection lost", "broker", o.Broker.String(), "error", err.Error())
	})
	return opts
}

// New creates the publisher and starts connecting in the background: the
// broker may only become reachable once the station is associated.
func New(log logr.Logger, o Options) *Publisher {
	p := NewWithClient(log, nil, o.Topic, o.Timeout)
	p.client = mqtt.NewClient(o.clientOptions(log, p.onlineTopic()))
	p.client.Connect()
	return p
}

func NewWithClient(log logr.Logger, client mqtt.Client, topic string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{log: log, client: client, topic: topic, timeout: timeout}
}

func (p *Publisher) onlineTopic() string { return p.topic + "/online" }
func (p *Publisher) statusTopic() string { return p.topic + "/status" }

// Publish sends st as the retained status. It does not wait for the broker.
func (p *Publisher) Publish(st wifi.Status) {
	payload, err := json.Marshal(st)
	if err != nil {
		p.log.Error(err, "Failed to encode status")
		return
	}
	token := p.client.Publish(p.statusTopic(), qos, true, payload)
	go func() {
		if !token.WaitTimeout(p.timeout) {
			p.log.V(1).Info("Status publish still pending", "topic", p.statusTopic())
			return
		}
		if err := token.Error(); err != nil {
			p.log.Error(err, "Failed to publish status", "topic", p.statusTopic())
		}
	}()
}

// Close announces the device offline and disconnects.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		token := p.client.Publish(p.onlineTopic(), qos, true, "false")
		if token.WaitTimeout(p.timeout) && token.Error() != nil {
			p.log.Error(token.Error(), "Failed to publish offline state")
		}
	}
	p.client.Disconnect(disconnectWait)
}
