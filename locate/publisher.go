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

// publishTimeout bounds how long a publish waits for broker acknowledgment.
const publishTimeout = 5 * time.Second

// Publisher publishes located sources to MQTT. Results go retained to both a
// per-source topic and a combined topic so late subscribers see the latest
// state immediately.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	latest        map[string]*LocatedSource
	mu            sync.RWMutex
}

// NewPublisher creates a result publisher. If client is nil, publishing is
// disabled (for testing).
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "radiomesh"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		latest:        make(map[string]*LocatedSource),
	}
}

// PublishLocated publishes a single located source.
func (p *Publisher) PublishLocated(ls *LocatedSource) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if ls == nil {
		return fmt.Errorf("nil located source")
	}

	p.mu.Lock()
	p.latest[ls.Source.ID] = ls
	p.mu.Unlock()

	payload, err := json.Marshal(ls)
	if err != nil {
		return fmt.Errorf("marshaling located source: %w", err)
	}

	topic := fmt.Sprintf("%s/located/%s", p.publishPrefix, ls.Source.ID)
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		return fmt.Errorf("publishing to %s: %v", topic, token.Error())
	}

	return p.publishAll()
}

// publishAll publishes the combined latest-result map.
func (p *Publisher) publishAll() error {
	p.mu.RLock()
	combined := make(map[string]*LocatedSource, len(p.latest))
	for id, ls := range p.latest {
		combined[id] = ls
	}
	p.mu.RUnlock()

	payload, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("marshaling combined results: %w", err)
	}

	topic := p.publishPrefix + "/located"
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		return fmt.Errorf("publishing to %s: %v", topic, token.Error())
	}

	log.Printf("[MQTT] Published %d located sources", len(combined))
	return nil
}

// Latest returns the most recently published result for a source, or nil.
func (p *Publisher) Latest(sourceID string) *LocatedSource {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest[sourceID]
}
