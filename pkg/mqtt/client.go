// Package mqtt publishes geofence entry/exit events so downstream consumers
// can react without polling the API.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/perimeterhq/perimeter/pkg/geofence"
	"github.com/perimeterhq/perimeter/pkg/logx"
)

// Config holds MQTT publisher configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration, disabled by default
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "perimeterd",
		TopicPrefix: "perimeter",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// TriggerEvent is the wire payload published on entry/exit
type TriggerEvent struct {
	DeviceID   string           `json:"device_id"`
	GeofenceID string           `json:"geofence_id"`
	Trigger    geofence.Trigger `json:"trigger"`
	Status     geofence.Status  `json:"status"`
	Confidence float64          `json:"confidence"`
	Distance   float64          `json:"distance"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Client publishes perimeter events over MQTT
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	mu          sync.Mutex
	connected   bool
	lastPublish time.Time
}

// NewClient creates an MQTT publisher
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logx.NewLogger("info", "mqtt")
	}
	return &Client{config: config, logger: logger}
}

// Connect connects to the broker. A disabled client connects to nothing and
// every publish becomes a no-op.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT publisher disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT publisher connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from the broker
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("MQTT publisher disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Error("MQTT connection lost", "error", err.Error())
}

// PublishTrigger publishes an entry/exit event for a device
func (c *Client) PublishTrigger(event TriggerEvent) error {
	if !c.config.Enabled || !c.IsConnected() {
		return nil
	}
	topic := fmt.Sprintf("%s/events/%s", c.config.TopicPrefix, event.DeviceID)
	return c.publishJSON(topic, event)
}

// PublishHealth publishes a health snapshot for monitoring
func (c *Client) PublishHealth(health map[string]interface{}) error {
	if !c.config.Enabled || !c.IsConnected() {
		return nil
	}
	topic := fmt.Sprintf("%s/health", c.config.TopicPrefix)
	return c.publishJSON(topic, health)
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()

	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the client currently has a broker connection
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// LastPublish returns the time of the most recent successful publish
func (c *Client) LastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}
