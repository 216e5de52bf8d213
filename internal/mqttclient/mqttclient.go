// Package mqttclient owns the single outbound MQTT connection: discovery,
// state, and availability publication, with a bounded queue in front of
// the broker so a momentarily disconnected broker never blocks a
// supervisor goroutine.
package mqttclient

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sua-org/hik2mqtt/internal/catalog"
	"github.com/sua-org/hik2mqtt/internal/config"
)

// queueCapacity bounds the outbound buffer (§4.5/§9).
const queueCapacity = 1024

// publishTimeout bounds how long the writer goroutine waits for a broker
// PUBLISH ack before forcing a reconnect (§5 "Broker publish timeout").
// A var, not a const, so tests can shrink it.
var publishTimeout = 10 * time.Second

// mqttClient is the subset of mqtt.Client this package drives; declaring
// it ourselves lets tests supply a fake without a real broker.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

type outboundMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// Client serializes every discovery/state/availability publish through
// one writer goroutine reading off a FIFO queue.
type Client struct {
	cli             mqttClient
	baseTopic       string
	discoveryPrefix string

	mu    sync.Mutex
	queue []outboundMsg
	wake  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClientFromConfig connects to the broker in cfg, registers the
// bridge's last will, and publishes bridge availability=online once
// connected (§4.5/§6).
func NewClientFromConfig(cfg config.MQTT) (*Client, error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	willTopic := cfg.BaseTopic + "/bridge/availability"
	opts.SetWill(willTopic, "offline", 1, true)

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqttclient: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttclient: connect error: %w", err)
	}

	c := newClient(cli, cfg.BaseTopic, cfg.DiscoveryPrefix)
	if err := c.PublishBridgeAvailability(true); err != nil {
		log.Printf("[mqttclient] failed to enqueue bridge online: %v", err)
	}
	return c, nil
}

func newClient(cli mqttClient, baseTopic, discoveryPrefix string) *Client {
	c := &Client{
		cli:             cli,
		baseTopic:       baseTopic,
		discoveryPrefix: discoveryPrefix,
		wake:            make(chan struct{}, 1),
		closed:          make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// discoveryPayload is the Home Assistant MQTT discovery schema subset
// this bridge needs (§4.6).
type discoveryPayload struct {
	Name              string         `json:"name"`
	UniqueID          string         `json:"unique_id"`
	StateTopic        string         `json:"state_topic"`
	AvailabilityTopic string         `json:"availability_topic"`
	PayloadOn         string         `json:"payload_on"`
	PayloadOff        string         `json:"payload_off"`
	DeviceClass       string         `json:"device_class,omitempty"`
	Device            discoveryDevice `json:"device"`
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
}

// PublishDiscovery publishes a retained Home Assistant discovery message
// for entry, describing it as belonging to device.
func (c *Client) PublishDiscovery(entry catalog.EventType, device config.Camera) error {
	deviceName := device.Name
	if deviceName == "" {
		deviceName = device.ID
	}

	payload := discoveryPayload{
		Name:              fmt.Sprintf("%s %s", deviceName, entry.Label),
		UniqueID:          fmt.Sprintf("%s_%d_%s", entry.CameraID, entry.ChannelID, entry.Type),
		StateTopic:        c.stateTopic(entry.CameraID, entry.ChannelID, entry.Type),
		AvailabilityTopic: c.availabilityTopic(entry.CameraID),
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		DeviceClass:       entry.DeviceClass,
		Device: discoveryDevice{
			Identifiers:  []string{entry.CameraID},
			Name:         deviceName,
			Manufacturer: "Hikvision",
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mqttclient: marshal discovery payload: %w", err)
	}
	c.enqueue(outboundMsg{topic: c.discoveryTopic(entry), payload: data, qos: 1, retained: true})
	return nil
}

// PublishState publishes a retained ON/OFF for one (camera, channel,
// event_type) (§4.5).
func (c *Client) PublishState(cameraID string, channelID int, eventType string, on bool) error {
	c.enqueue(outboundMsg{
		topic:    c.stateTopic(cameraID, channelID, eventType),
		payload:  []byte(onOff(on)),
		qos:      1,
		retained: true,
	})
	return nil
}

// PublishAvailability publishes a retained online/offline for one camera.
func (c *Client) PublishAvailability(cameraID string, online bool) error {
	c.enqueue(outboundMsg{
		topic:    c.availabilityTopic(cameraID),
		payload:  []byte(onlineOffline(online)),
		qos:      1,
		retained: true,
	})
	return nil
}

// PublishBridgeAvailability publishes the bridge-wide retained
// online/offline, mirroring the last-will topic (§4.5/§6).
func (c *Client) PublishBridgeAvailability(online bool) error {
	c.enqueue(outboundMsg{
		topic:    c.bridgeAvailabilityTopic(),
		payload:  []byte(onlineOffline(online)),
		qos:      1,
		retained: true,
	})
	return nil
}

// Subscribe registers handler for every message on topic — used by the
// debug subscriber, not by the bridge's own publish path.
func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.cli.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Close drains nothing further and disconnects from the broker.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.cli.IsConnected() {
			c.cli.Disconnect(250)
		}
	})
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func onlineOffline(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func (c *Client) discoveryTopic(entry catalog.EventType) string {
	return fmt.Sprintf("%s/binary_sensor/%s_%d_%s/config", c.discoveryPrefix, entry.CameraID, entry.ChannelID, entry.Type)
}

func (c *Client) stateTopic(cameraID string, channelID int, eventType string) string {
	return fmt.Sprintf("%s/%s/%d/%s", c.baseTopic, cameraID, channelID, eventType)
}

func (c *Client) availabilityTopic(cameraID string) string {
	return fmt.Sprintf("%s/%s/availability", c.baseTopic, cameraID)
}

func (c *Client) bridgeAvailabilityTopic() string {
	return fmt.Sprintf("%s/bridge/availability", c.baseTopic)
}

// enqueue appends msg to the outbound queue, dropping the oldest
// non-retained entry if the queue is full. In this bridge every message
// is retained, so overflow falls back to dropping the oldest entry
// outright — the non-retained-first preference is still exercised
// whenever a non-retained message is present.
func (c *Client) enqueue(msg outboundMsg) {
	c.mu.Lock()
	if len(c.queue) >= queueCapacity {
		dropIdx := -1
		for i, m := range c.queue {
			if !m.retained {
				dropIdx = i
				break
			}
		}
		if dropIdx < 0 {
			dropIdx = 0
			log.Printf("[mqttclient] queue full of retained messages, dropping oldest entry topic=%s", c.queue[0].topic)
		} else {
			log.Printf("[mqttclient] queue full, dropped oldest non-retained message topic=%s", c.queue[dropIdx].topic)
		}
		c.queue = append(c.queue[:dropIdx], c.queue[dropIdx+1:]...)
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) dequeue() (outboundMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return outboundMsg{}, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, true
}

// writeLoop is the single writer serializing every publish (§4.5:
// "serializes discovery and state publications").
func (c *Client) writeLoop() {
	for {
		msg, ok := c.dequeue()
		if !ok {
			select {
			case <-c.wake:
				continue
			case <-c.closed:
				return
			}
		}
		token := c.cli.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
		if ok := token.WaitTimeout(publishTimeout); !ok {
			log.Printf("[mqttclient] publish timed out after %s topic=%s, forcing reconnect", publishTimeout, msg.topic)
			c.forceReconnect()
			continue
		}
		if err := token.Error(); err != nil {
			log.Printf("[mqttclient] publish failed topic=%s: %v", msg.topic, err)
		}
	}
}

// forceReconnect drops and re-establishes the broker connection when a
// publish ack never arrives (§5 "Broker publish timeout... triggers
// reconnect") — the broker may have accepted the TCP connection without
// ever acking PUBLISH packets again.
func (c *Client) forceReconnect() {
	c.cli.Disconnect(250)
	token := c.cli.Connect()
	if token == nil {
		return
	}
	if ok := token.WaitTimeout(publishTimeout); !ok {
		log.Printf("[mqttclient] reconnect timed out after %s", publishTimeout)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("[mqttclient] reconnect failed: %v", err)
	}
}
