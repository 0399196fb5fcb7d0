package locate

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ReadingHandler is called for every decoded reading.
// rawPayload is provided so callers can persist or replay malformed messages.
type ReadingHandler func(receiverID string, rawPayload []byte, reading *Reading, err error)

// MQTTClient manages the MQTT connection and the per-receiver reading
// subscriptions.
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	readingHandler ReadingHandler
	isConnected    bool
	mu             sync.RWMutex
}

// readingPayload is the wire form published by receivers. The receiver's
// position is not on the wire; it comes from the receiver config.
type readingPayload struct {
	SourceID         string   `json:"sourceId"`
	Distance         *float64 `json:"distance,omitempty"`
	DistanceStdDev   *float64 `json:"distanceStdDev,omitempty"`
	RSSI             *float64 `json:"rssi,omitempty"`
	RSSIStdDev       *float64 `json:"rssiStdDev,omitempty"`
	PathLossExponent *float64 `json:"pathLossExponent,omitempty"`
	Timestamp        int64    `json:"timestamp,omitempty"` // unix millis, 0 = receive time
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client with the provided
// configuration. If neither the MQTT_BROKER env var nor the config declare a
// broker, MQTT is disabled and this returns nil.
func InitMQTT(config *Config, handler ReadingHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Receivers) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no receiver configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		readingHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "radiomesh"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance.
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// newMQTTClientWithClient builds an MQTTClient around an existing paho
// client. Used by tests with a mock.
func newMQTTClientWithClient(c mqtt.Client, config *Config, handler ReadingHandler) *MQTTClient {
	return &MQTTClient{
		client:         c,
		config:         config,
		readingHandler: handler,
	}
}

// connectWithRetry attempts to connect to the broker with exponential backoff.
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every receiver's reading topic.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] Connected, subscribing to receiver topics...")
	c.setConnected(true)

	for _, rc := range c.config.Receivers {
		topic := c.ReceiverTopic(&rc)
		log.Printf("[MQTT] Subscribing to %s for receiver %s", topic, rc.ID)
		token := client.Subscribe(topic, 0, c.createReadingHandler(rc))

		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
		}
	}
}

// ReceiverTopic resolves the topic a receiver publishes readings on.
func (c *MQTTClient) ReceiverTopic(rc *ReceiverConfig) string {
	if rc.Topic != "" {
		return rc.Topic
	}
	prefix := c.config.MQTT.TopicPrefix
	if prefix == "" {
		prefix = "radiomesh"
	}
	return fmt.Sprintf("%s/%s/readings", prefix, rc.ID)
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

// createReadingHandler decodes reading payloads from one receiver's topic,
// attaching the receiver's configured position.
func (c *MQTTClient) createReadingHandler(rc ReceiverConfig) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()

		reading, err := DecodeReading(payload, &rc)
		if err != nil {
			log.Printf("[MQTT] Error decoding reading from %s: %v", rc.ID, err)
			if c.readingHandler != nil {
				c.readingHandler(rc.ID, payload, nil, err)
			}
			return
		}

		if c.readingHandler != nil {
			c.readingHandler(rc.ID, payload, reading, nil)
		}
	}
}

// DecodeReading parses a wire payload into a Reading anchored at the
// receiver's configured position.
func DecodeReading(payload []byte, rc *ReceiverConfig) (*Reading, error) {
	var wire readingPayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("parsing reading payload: %w", err)
	}
	if wire.SourceID == "" {
		return nil, fmt.Errorf("reading payload missing sourceId")
	}
	if wire.Distance == nil && wire.RSSI == nil {
		return nil, fmt.Errorf("reading payload carries neither distance nor rssi")
	}
	if wire.Distance != nil && *wire.Distance < 0 {
		return nil, fmt.Errorf("negative distance %f", *wire.Distance)
	}

	rd := &Reading{
		SourceID:         wire.SourceID,
		Position:         append([]float64(nil), rc.Position...),
		Distance:         wire.Distance,
		DistanceStdDev:   wire.DistanceStdDev,
		RSSI:             wire.RSSI,
		RSSIStdDev:       wire.RSSIStdDev,
		PathLossExponent: wire.PathLossExponent,
	}
	if wire.Timestamp > 0 {
		rd.Timestamp = time.UnixMilli(wire.Timestamp)
	} else {
		rd.Timestamp = time.Now()
	}
	return rd, nil
}

// IsConnected reports the current connection state.
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Client exposes the underlying paho client (for the publisher).
func (c *MQTTClient) Client() mqtt.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Disconnect closes the connection gracefully.
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting...")
		c.client.Disconnect(250)
	}
	c.setConnected(false)
}
