package locate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func clearMQTTEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD"} {
		t.Setenv(key, "")
	}
}

func testConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{TopicPrefix: "radiomesh"},
		Receivers: []ReceiverConfig{
			{ID: "recv-1", Position: []float64{0, 0}},
			{ID: "recv-2", Position: []float64{10, 0}, Topic: "custom/recv-2"},
		},
	}
}

func TestInitMQTT_Disabled(t *testing.T) {
	clearMQTTEnv(t)
	client, err := InitMQTT(testConfig(), nil)
	assert.NoError(t, err)
	assert.Nil(t, client, "no broker configured should disable MQTT")
}

func TestInitMQTT_NoReceivers(t *testing.T) {
	clearMQTTEnv(t)
	config := testConfig()
	config.MQTT.Broker = "tcp://localhost:1883"
	config.Receivers = nil

	_, err := InitMQTT(config, nil)
	assert.Error(t, err)
}

func TestReceiverTopic(t *testing.T) {
	config := testConfig()
	client := newMQTTClientWithClient(NewMockClient(), config, nil)

	assert.Equal(t, "radiomesh/recv-1/readings", client.ReceiverTopic(&config.Receivers[0]))
	assert.Equal(t, "custom/recv-2", client.ReceiverTopic(&config.Receivers[1]))

	config.MQTT.TopicPrefix = ""
	assert.Equal(t, "radiomesh/recv-1/readings", client.ReceiverTopic(&config.Receivers[0]),
		"empty prefix falls back to the default")
}

func TestDecodeReading_Valid(t *testing.T) {
	rc := &ReceiverConfig{ID: "recv-1", Position: []float64{3, 4}}
	payload := []byte(`{"sourceId":"beacon-1","distance":5.5,"rssi":-60,"timestamp":1700000000000}`)

	rd, err := DecodeReading(payload, rc)
	assert.NoError(t, err)
	assert.Equal(t, "beacon-1", rd.SourceID)
	assert.Equal(t, []float64{3, 4}, rd.Position)
	assert.Equal(t, 5.5, *rd.Distance)
	assert.Equal(t, -60.0, *rd.RSSI)
	assert.Equal(t, time.UnixMilli(1700000000000), rd.Timestamp)

	// The reading owns its position; the config must stay untouched.
	rd.Position[0] = 99
	assert.Equal(t, []float64{3, 4}, rc.Position)
}

func TestDecodeReading_DefaultsTimestamp(t *testing.T) {
	rc := &ReceiverConfig{ID: "recv-1", Position: []float64{0, 0}}
	rd, err := DecodeReading([]byte(`{"sourceId":"beacon-1","rssi":-55}`), rc)
	assert.NoError(t, err)
	assert.WithinDuration(t, time.Now(), rd.Timestamp, time.Second)
}

func TestDecodeReading_Invalid(t *testing.T) {
	rc := &ReceiverConfig{ID: "recv-1", Position: []float64{0, 0}}
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{{`},
		{"missing source", `{"distance":5}`},
		{"no measurement", `{"sourceId":"beacon-1"}`},
		{"negative distance", `{"sourceId":"beacon-1","distance":-2}`},
	}
	for _, tc := range cases {
		_, err := DecodeReading([]byte(tc.payload), rc)
		assert.Error(t, err, tc.name)
	}
}

func TestMQTTClient_ReadingFlow(t *testing.T) {
	var got []*Reading
	var gotErrs []error
	handler := func(receiverID string, raw []byte, rd *Reading, err error) {
		got = append(got, rd)
		gotErrs = append(gotErrs, err)
	}

	mock := NewMockClient()
	mock.SetConnected(true)
	config := testConfig()
	client := newMQTTClientWithClient(mock, config, handler)

	client.onConnect(mock)
	assert.True(t, client.IsConnected())

	mock.SimulateMessage("radiomesh/recv-1/readings", []byte(`{"sourceId":"beacon-1","distance":4.2}`))
	if assert.Len(t, got, 1) {
		assert.NoError(t, gotErrs[0])
		assert.Equal(t, "beacon-1", got[0].SourceID)
		assert.Equal(t, []float64{0, 0}, got[0].Position)
	}

	// Malformed payloads still reach the handler, with the error set.
	mock.SimulateMessage("custom/recv-2", []byte(`not json`))
	if assert.Len(t, got, 2) {
		assert.Nil(t, got[1])
		assert.Error(t, gotErrs[1])
	}
}

func TestMQTTClient_ConnectionState(t *testing.T) {
	mock := NewMockClient()
	client := newMQTTClientWithClient(mock, testConfig(), nil)

	assert.False(t, client.IsConnected())
	client.setConnected(true)
	assert.True(t, client.IsConnected())

	client.Disconnect()
	assert.False(t, client.IsConnected())

	var nilClient *MQTTClient
	assert.Nil(t, nilClient.Client())
}
