// Package mqttpv reaches process variables bridged onto an MQTT broker.
//
// A process variable NAME under topic root ROOT uses three topics:
//
//	ROOT/NAME       retained state  {"value":..,"severity":..,"timestamp":..}
//	ROOT/NAME/info  retained type   {"type":"double","choices":[..]}
//	ROOT/NAME/put   writes          {"value":..}
package mqttpv

import (
	"errors"
	"fmt"
	"time"

	"pvgateway/pkg/pva"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const Scheme = "mqtt"

var ErrTimeout = errors.New("timeout waiting for broker")

// Config holds the broker connection settings.
type Config struct {
	Broker    string        `yaml:"broker"`
	ClientID  string        `yaml:"client_id"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	TopicRoot string        `yaml:"topic_root"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "pvgw"
	}
	if c.TopicRoot == "" {
		c.TopicRoot = "pv"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	return nil
}

// createMQTTClient connects a new client to the configured broker.
func createMQTTClient(cfg Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(cfg.ClientID)
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return client, nil
}

// Dialer opens process variables over one shared broker connection.
type Dialer struct {
	client mqtt.Client
	router *router
	cfg    Config
	logger log.FieldLogger
}

func NewDialer(cfg Config, logger log.FieldLogger) (*Dialer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := createMQTTClient(cfg)
	if err != nil {
		return nil, err
	}

	logger = logger.WithField("component", "mqtt")
	logger.Infof("Connected to MQTT broker %s", cfg.Broker)
	return &Dialer{
		client: client,
		router: newRouter(client, cfg.Timeout),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close disconnects from the broker.
func (d *Dialer) Close() {
	d.client.Disconnect(100)
	d.logger.Info("Disconnected from MQTT broker")
}

// Open subscribes to the state and type topics of name and waits until the
// broker has delivered the retained type description.
func (d *Dialer) Open(name string) (pva.Conn, error) {
	if !d.client.IsConnected() {
		return nil, errors.New("MQTT client is not connected")
	}

	c := newConn(d.client, d.router, topicsFor(d.cfg.TopicRoot, name), d.cfg.Timeout, d.logger.WithField("pv", name))

	if err := c.subscribe(c.topics.info, c.infoHandler); err != nil {
		return nil, err
	}
	if err := c.subscribe(c.topics.state, c.stateHandler); err != nil {
		c.Close()
		return nil, err
	}

	if _, err := c.Introspect(); err != nil {
		c.Close()
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return c, nil
}

type topics struct {
	state string
	info  string
	put   string
}

func topicsFor(root, name string) topics {
	state := name
	if root != "" {
		state = root + "/" + name
	}
	return topics{
		state: state,
		info:  state + "/info",
		put:   state + "/put",
	}
}
