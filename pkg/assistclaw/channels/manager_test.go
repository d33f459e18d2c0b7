package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	name       string
	connectErr error
	sendErr    error

	mu        sync.Mutex
	in        chan *IncomingMessage
	sent      []string
	connected bool
	closeOnce sync.Once
}

func newFake(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan *IncomingMessage, 4)}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.in) })
	return nil
}

func (f *fakeChannel) Send(_ context.Context, to string, msg *OutgoingMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+": "+msg.Content)
	return nil
}

func (f *fakeChannel) Receive() <-chan *IncomingMessage { return f.in }

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Health() HealthStatus { return HealthStatus{Connected: f.IsConnected()} }

type outboundLog struct {
	mu   sync.Mutex
	errs []error
}

func (o *outboundLog) ObserveOutbound(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func TestManagerAggregates(t *testing.T) {
	a, b := newFake("a"), newFake("b")
	m := NewManager(nil, nil)
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))
	require.Error(t, m.Register(newFake("a")))

	require.NoError(t, m.Start(context.Background()))

	a.in <- &IncomingMessage{ID: "1", Channel: "a"}
	b.in <- &IncomingMessage{ID: "2", Channel: "b"}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-m.Messages():
			got[msg.ID] = true
		case <-time.After(time.Second):
			t.Fatal("message not forwarded")
		}
	}
	assert.Equal(t, map[string]bool{"1": true, "2": true}, got)

	m.Stop()
	m.Stop()
	_, open := <-m.Messages()
	assert.False(t, open)
}

func TestManagerStartPartialFailure(t *testing.T) {
	bad := newFake("bad")
	bad.connectErr = errors.New("boom")
	m := NewManager(nil, nil)
	require.NoError(t, m.Register(bad))
	require.Error(t, m.Start(context.Background()))

	good := newFake("good")
	m2 := NewManager(nil, nil)
	require.NoError(t, m2.Register(bad))
	require.NoError(t, m2.Register(good))
	require.NoError(t, m2.Start(context.Background()))
	m2.Stop()
}

func TestManagerSend(t *testing.T) {
	obs := &outboundLog{}
	ch := newFake("twilio")
	m := NewManager(nil, obs)
	require.NoError(t, m.Register(ch))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, m.Send(context.Background(), "twilio", "+1555", &OutgoingMessage{Content: "hi"}))
	assert.Equal(t, []string{"+1555: hi"}, ch.sent)

	err := m.Send(context.Background(), "nope", "+1555", &OutgoingMessage{Content: "hi"})
	require.ErrorIs(t, err, ErrUnknownChannel)

	ch.sendErr = errors.New("rate limited")
	require.Error(t, m.Send(context.Background(), "twilio", "+1555", &OutgoingMessage{Content: "hi"}))

	require.Len(t, obs.errs, 3)
	assert.NoError(t, obs.errs[0])
	assert.Error(t, obs.errs[1])
	assert.Error(t, obs.errs[2])

	health := m.HealthAll()
	assert.True(t, health["twilio"].Connected)
}

func TestManagerSendDisconnected(t *testing.T) {
	ch := newFake("twilio")
	m := NewManager(nil, nil)
	require.NoError(t, m.Register(ch))
	err := m.Send(context.Background(), "twilio", "+1555", &OutgoingMessage{Content: "hi"})
	require.ErrorIs(t, err, ErrChannelDisconnected)
}
