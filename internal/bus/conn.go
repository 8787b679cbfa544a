// Package bus maintains the MQTT connection to the message bus and
// publishes batched feed records to per-agent topics. Delivery is
// at-most-once above the protocol QoS: a batch that fails to publish is
// dropped, never requeued.
package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/tapetail/tapetail/internal/metrics"
)

// ConnConfig configures the shared bus connection.
type ConnConfig struct {
	Brokers  []string
	ClientID string
	Username string
	Password string
	QoS      byte

	ConnectTimeoutSeconds int
	ConnectBackoffSeconds int
	KeepAliveSeconds      int
	PublishTimeoutSeconds int

	TLSEnabled            bool
	TLSCAPath             string
	TLSCertPath           string
	TLSKeyPath            string
	TLSInsecureSkipVerify bool
}

// PublishError reports a failed or timed-out publish. The batch behind
// it is gone by the time the caller sees this error.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Conn is the process-wide bus connection shared by every agent driver.
// Dial blocks until the broker accepts the connection, retrying at a
// constant cadence forever; afterwards the client auto-reconnects on
// its own.
type Conn struct {
	cfg    ConnConfig
	logger zerolog.Logger

	// dialMu serializes Dial; mu guards the client so Publish never
	// blocks behind a dial in progress.
	dialMu sync.Mutex
	mu     sync.Mutex
	client pahomqtt.Client

	connectedSince time.Time
	reconnects     atomic.Int64
}

// NewConn creates an unconnected bus connection.
func NewConn(cfg ConnConfig, logger zerolog.Logger) *Conn {
	if cfg.ConnectTimeoutSeconds <= 0 {
		cfg.ConnectTimeoutSeconds = 10
	}
	if cfg.ConnectBackoffSeconds <= 0 {
		cfg.ConnectBackoffSeconds = 60
	}
	if cfg.KeepAliveSeconds <= 0 {
		cfg.KeepAliveSeconds = 30
	}
	if cfg.PublishTimeoutSeconds <= 0 {
		cfg.PublishTimeoutSeconds = 10
	}
	return &Conn{
		cfg:    cfg,
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Dial connects to the broker, retrying every ConnectBackoffSeconds
// until it succeeds or ctx is canceled. Concurrent callers are
// serialized; once one succeeds the rest return immediately.
func (c *Conn) Dial(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	if c.IsConnected() {
		return nil
	}

	b := backoff.WithContext(
		backoff.NewConstantBackOff(time.Duration(c.cfg.ConnectBackoffSeconds)*time.Second),
		ctx,
	)
	return backoff.RetryNotify(func() error {
		return c.connectOnce()
	}, b, func(err error, nextWait time.Duration) {
		c.logger.Warn().
			Err(err).
			Dur("retry_in", nextWait).
			Msg("Bus connection failed, will retry")
	})
}

func (c *Conn) connectOnce() error {
	opts, err := c.buildClientOptions()
	if err != nil {
		return backoff.Permanent(err)
	}
	client := pahomqtt.NewClient(opts)

	c.logger.Info().Strs("brokers", c.cfg.Brokers).Msg("Connecting to bus")

	token := client.Connect()
	if !token.WaitTimeout(time.Duration(c.cfg.ConnectTimeoutSeconds) * time.Second) {
		return fmt.Errorf("connection timeout after %d seconds", c.cfg.ConnectTimeoutSeconds)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.connectedSince = time.Now()
	c.mu.Unlock()
	return nil
}

// Publish sends one payload to topic at the configured QoS and waits
// for the token. Any failure comes back as a *PublishError.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return &PublishError{Topic: topic, Err: fmt.Errorf("not connected")}
	}

	token := client.Publish(topic, c.cfg.QoS, false, payload)

	timeout := time.Duration(c.cfg.PublishTimeoutSeconds) * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if !token.WaitTimeout(timeout) {
		return &PublishError{Topic: topic, Err: fmt.Errorf("publish timeout after %s", timeout)}
	}
	if err := token.Error(); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

// Close disconnects from the broker.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(1000)
	}
	c.logger.Info().Msg("Disconnected from bus")
	metrics.Get().SetBusConnected(false)
	return nil
}

// Stats returns connection statistics for the ops API.
func (c *Conn) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	connected := c.client != nil && c.client.IsConnected()
	stats := map[string]interface{}{
		"connected":  connected,
		"reconnects": c.reconnects.Load(),
	}
	if connected && !c.connectedSince.IsZero() {
		stats["connected_since"] = c.connectedSince.UTC().Format(time.RFC3339)
	}
	return stats
}

// buildClientOptions creates MQTT client options from the config
func (c *Conn) buildClientOptions() (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()

	for _, broker := range c.cfg.Brokers {
		opts.AddBroker(broker)
	}
	opts.SetClientID(c.cfg.ClientID)

	opts.SetKeepAlive(time.Duration(c.cfg.KeepAliveSeconds) * time.Second)
	opts.SetConnectTimeout(time.Duration(c.cfg.ConnectTimeoutSeconds) * time.Second)

	// Auto reconnect after the initial connect; the drivers keep
	// tailing and drop batches while the link is down.
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Duration(c.cfg.ConnectBackoffSeconds) * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}

	if c.cfg.TLSEnabled {
		tlsConfig, err := c.buildTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	opts.SetCleanSession(true)

	return opts, nil
}

// buildTLSConfig creates TLS configuration
func (c *Conn) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.TLSInsecureSkipVerify,
	}

	if c.cfg.TLSCAPath != "" {
		caCert, err := os.ReadFile(c.cfg.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if c.cfg.TLSCertPath != "" && c.cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.TLSCertPath, c.cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// onConnect is called when connection is established
func (c *Conn) onConnect(client pahomqtt.Client) {
	c.mu.Lock()
	c.connectedSince = time.Now()
	c.mu.Unlock()

	c.logger.Info().Msg("Bus connection established")
	metrics.Get().SetBusConnected(true)
}

// onConnectionLost is called when connection is lost
func (c *Conn) onConnectionLost(client pahomqtt.Client, err error) {
	c.logger.Warn().Err(err).Msg("Bus connection lost")
	metrics.Get().SetBusConnected(false)
}

// onReconnecting is called before reconnection attempt
func (c *Conn) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	c.reconnects.Add(1)
	metrics.Get().IncBusReconnects()
	c.logger.Info().Int64("reconnect_count", c.reconnects.Load()).Msg("Attempting to reconnect to bus")
}
