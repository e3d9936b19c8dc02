package mqtt

import (
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	completed bool
	err       error
}

func (t fakeToken) Wait() bool                     { return t.completed }
func (t fakeToken) WaitTimeout(time.Duration) bool { return t.completed }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakePahoClient struct {
	mqtt.Client
	token     fakeToken
	topic     string
	retained  bool
	payload   interface{}
	quiesce   uint
	connected bool
}

func (f *fakePahoClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.topic = topic
	f.retained = retained
	f.payload = payload
	return f.token
}

func (f *fakePahoClient) Disconnect(quiesce uint) {
	f.quiesce = quiesce
	f.connected = false
}

func TestPublish(t *testing.T) {
	paho := &fakePahoClient{token: fakeToken{completed: true}}
	c := &Client{client: paho, broker: "tcp://broker:1883"}

	require.NoError(t, c.Publish("trip-sync/dashboard_updates", 0, true, []byte(`{}`)))
	assert.Equal(t, "trip-sync/dashboard_updates", paho.topic)
	assert.True(t, paho.retained)
	assert.Equal(t, []byte(`{}`), paho.payload)
}

func TestPublish_Timeout(t *testing.T) {
	c := &Client{client: &fakePahoClient{token: fakeToken{completed: false}}}

	err := c.Publish("t", 0, false, nil)
	assert.ErrorIs(t, err, ErrPublishTimeout)
}

func TestPublish_BrokerError(t *testing.T) {
	boom := errors.New("not authorized")
	c := &Client{client: &fakePahoClient{token: fakeToken{completed: true, err: boom}}}

	assert.ErrorIs(t, c.Publish("t", 0, false, nil), boom)
}

func TestDisconnect(t *testing.T) {
	paho := &fakePahoClient{connected: true}
	c := &Client{client: paho}

	c.Disconnect()
	assert.False(t, paho.connected)
	assert.Equal(t, uint(quiesceMillis), paho.quiesce)
}
