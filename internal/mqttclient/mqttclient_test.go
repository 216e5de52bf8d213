package mqttclient

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/hik2mqtt/internal/catalog"
	"github.com/sua-org/hik2mqtt/internal/config"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                       { return true }
func (fakeToken) WaitTimeout(time.Duration) bool   { return true }
func (fakeToken) Done() <-chan struct{}            { ch := make(chan struct{}); close(ch); return ch }
func (fakeToken) Error() error                     { return nil }

// hangingToken never acks; WaitTimeout always reports "not yet".
type hangingToken struct{}

func (hangingToken) Wait() bool                     { select {} }
func (hangingToken) WaitTimeout(time.Duration) bool { return false }
func (hangingToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (hangingToken) Error() error                   { return nil }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu              sync.Mutex
	connected       bool
	messages        []published
	reconnects      int
	hangNextPublish bool
}

func (f *fakeBroker) Connect() mqtt.Token {
	f.mu.Lock()
	f.connected = true
	f.reconnects++
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakeBroker) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeBroker) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	if f.hangNextPublish {
		f.hangNextPublish = false
		f.mu.Unlock()
		return hangingToken{}
	}
	f.mu.Unlock()

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	f.mu.Lock()
	f.messages = append(f.messages, published{topic: topic, qos: qos, retained: retained, payload: data})
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakeBroker) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}

func (f *fakeBroker) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]published, len(f.messages))
	copy(out, f.messages)
	return out
}

func newTestClient() (*Client, *fakeBroker) {
	broker := &fakeBroker{connected: true}
	c := newClient(broker, "hik2mqtt", "homeassistant")
	return c, broker
}

func TestPublishState_TopicAndPayload(t *testing.T) {
	c, broker := newTestClient()
	defer c.Close()

	require.NoError(t, c.PublishState("cam1", 1, "VMD", true))

	require.Eventually(t, func() bool { return len(broker.snapshot()) == 1 }, time.Second, time.Millisecond)
	msg := broker.snapshot()[0]
	assert.Equal(t, "hik2mqtt/cam1/1/VMD", msg.topic)
	assert.Equal(t, "ON", string(msg.payload))
	assert.True(t, msg.retained)
}

func TestPublishState_Off(t *testing.T) {
	c, broker := newTestClient()
	defer c.Close()

	require.NoError(t, c.PublishState("cam1", 1, "VMD", false))
	require.Eventually(t, func() bool { return len(broker.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "OFF", string(broker.snapshot()[0].payload))
}

func TestPublishAvailability(t *testing.T) {
	c, broker := newTestClient()
	defer c.Close()

	require.NoError(t, c.PublishAvailability("cam1", true))
	require.Eventually(t, func() bool { return len(broker.snapshot()) == 1 }, time.Second, time.Millisecond)
	msg := broker.snapshot()[0]
	assert.Equal(t, "hik2mqtt/cam1/availability", msg.topic)
	assert.Equal(t, "online", string(msg.payload))
}

func TestPublishBridgeAvailability(t *testing.T) {
	c, broker := newTestClient()
	defer c.Close()

	require.NoError(t, c.PublishBridgeAvailability(false))
	require.Eventually(t, func() bool { return len(broker.snapshot()) == 1 }, time.Second, time.Millisecond)
	msg := broker.snapshot()[0]
	assert.Equal(t, "hik2mqtt/bridge/availability", msg.topic)
	assert.Equal(t, "offline", string(msg.payload))
}

func TestPublishDiscovery_SchemaAndTopic(t *testing.T) {
	c, broker := newTestClient()
	defer c.Close()

	entry := catalog.EventType{CameraID: "cam1", ChannelID: 1, Type: "VMD", Label: "Motion Detection", DeviceClass: "motion"}
	cam := config.Camera{ID: "cam1", Name: "Front Door"}

	require.NoError(t, c.PublishDiscovery(entry, cam))
	require.Eventually(t, func() bool { return len(broker.snapshot()) == 1 }, time.Second, time.Millisecond)

	msg := broker.snapshot()[0]
	assert.Equal(t, "homeassistant/binary_sensor/cam1_1_VMD/config", msg.topic)
	assert.True(t, msg.retained)
	assert.Contains(t, string(msg.payload), `"unique_id":"cam1_1_VMD"`)
	assert.Contains(t, string(msg.payload), `"device_class":"motion"`)
	assert.Contains(t, string(msg.payload), `"state_topic":"hik2mqtt/cam1/1/VMD"`)
	assert.Contains(t, string(msg.payload), `"availability_topic":"hik2mqtt/cam1/availability"`)
	assert.Contains(t, string(msg.payload), `"manufacturer":"Hikvision"`)
}

func TestEnqueue_DropsOldestNonRetainedOnOverflow(t *testing.T) {
	// Built directly, bypassing newClient, so no writeLoop goroutine is
	// draining the queue concurrently with this test's assertions.
	c := &Client{wake: make(chan struct{}, 1), closed: make(chan struct{})}

	for i := 0; i < queueCapacity; i++ {
		c.queue = append(c.queue, outboundMsg{topic: "retained-filler", retained: true})
	}
	c.queue[5].retained = false
	c.queue[5].topic = "the-droppable-one"

	c.enqueue(outboundMsg{topic: "new-message", retained: true})

	assert.Len(t, c.queue, queueCapacity)
	for _, m := range c.queue {
		assert.NotEqual(t, "the-droppable-one", m.topic)
	}
}

func TestWriteLoop_PublishTimeoutForcesReconnect(t *testing.T) {
	origTimeout := publishTimeout
	publishTimeout = 20 * time.Millisecond
	defer func() { publishTimeout = origTimeout }()

	c, broker := newTestClient()
	defer c.Close()

	broker.mu.Lock()
	broker.hangNextPublish = true
	broker.mu.Unlock()

	require.NoError(t, c.PublishAvailability("cam1", true))

	require.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return broker.reconnects >= 1
	}, time.Second, time.Millisecond, "publish timeout should force a reconnect")
}

func TestClose_DisconnectsFromBroker(t *testing.T) {
	c, broker := newTestClient()
	c.Close()
	assert.False(t, broker.IsConnected())
}
