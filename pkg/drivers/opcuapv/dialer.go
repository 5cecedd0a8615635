// Package opcuapv serves process variables from OPC UA variable nodes. The
// process variable name is the node id, for example "ns=2;s=Dome.Azimuth".
package opcuapv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pvgateway/pkg/pva"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	log "github.com/sirupsen/logrus"
)

const Scheme = "opcua"

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "pvgw"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 250 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	return nil
}

func (c *Config) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(c.SecurityMode)),
		opcua.SecurityPolicy(c.SecurityPolicy),
		opcua.ApplicationName(c.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if c.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.Username, c.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

// Dialer opens nodes over one shared OPC UA session.
type Dialer struct {
	client *opcua.Client
	cfg    Config
	logger log.FieldLogger
}

// NewDialer connects to the configured endpoint.
func NewDialer(ctx context.Context, cfg Config, logger log.FieldLogger) (*Dialer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := opcua.NewClient(cfg.Endpoint, cfg.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("opcua connect: %w", err)
	}

	logger = logger.WithField("component", "opcua")
	logger.Infof("Connected to OPC UA endpoint %s", cfg.Endpoint)
	return &Dialer{client: client, cfg: cfg, logger: logger}, nil
}

// Close ends the session.
func (d *Dialer) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	if err := d.client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Open resolves the node and reads its declared type.
func (d *Dialer) Open(name string) (pva.Conn, error) {
	nodeID, err := ua.ParseNodeID(name)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", name, err)
	}

	c := &conn{
		client:   d.client,
		node:     nodeID,
		timeout:  d.cfg.Timeout,
		interval: d.cfg.PublishInterval,
		logger:   d.logger.WithField("node", name),
	}
	if _, err := c.Introspect(); err != nil {
		return nil, err
	}
	return c, nil
}
