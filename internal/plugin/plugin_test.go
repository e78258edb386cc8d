package plugin

import (
	"context"
	"encoding/json"
	"image"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
	"github.com/relabs-tech/power_monitor/internal/power"
)

func snapshot(cycle uint64, home float64) aggregate.Snapshot {
	return aggregate.Snapshot{
		Time:     time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		Cycle:    cycle,
		Channels: map[int]power.Measurement{1: {Power: home, Current: home / 120, PF: 0.98, Voltage: 120}},
		Names:    map[int]string{1: "main"},
		Summaries: map[string]power.Measurement{
			aggregate.HomeConsumption: {Power: home, Current: home / 120},
			aggregate.Production:      {Power: 0},
			aggregate.Net:             {Power: home, Current: home / 120},
		},
		Voltage: 120.456,
		Status:  aggregate.StatusConsuming,
	}
}

type countingPlugin struct {
	mu      sync.Mutex
	seen    []uint64
	stopped bool
	block   chan struct{}
}

func (p *countingPlugin) Name() string { return "counting" }

func (p *countingPlugin) Start(ctx context.Context, ch <-chan aggregate.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-ch:
			if p.block != nil {
				<-p.block
			}
			p.mu.Lock()
			p.seen = append(p.seen, s.Cycle)
			p.mu.Unlock()
		}
	}
}

func (p *countingPlugin) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *countingPlugin) cycles() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.seen...)
}

func TestHostPublishKeepsLatest(t *testing.T) {
	p := &countingPlugin{}
	h := NewHost(zap.NewNop(), p)
	for i := uint64(1); i <= 5; i++ {
		h.Publish(snapshot(i, 100))
	}
	require.Len(t, h.chans[0], 1)
	assert.Equal(t, uint64(5), (<-h.chans[0]).Cycle)
}

func TestHostRunDeliversAndStops(t *testing.T) {
	p := &countingPlugin{}
	h := NewHost(zap.NewNop(), p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	h.Publish(snapshot(1, 100))
	require.Eventually(t, func() bool { return len(p.cycles()) == 1 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	p.mu.Lock()
	assert.True(t, p.stopped)
	p.mu.Unlock()
}

func TestHostSlowPluginDoesNotBlockPublish(t *testing.T) {
	p := &countingPlugin{block: make(chan struct{})}
	h := NewHost(zap.NewNop(), p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	finished := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 100; i++ {
			h.Publish(snapshot(i, 100))
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow plugin")
	}
	close(p.block)
}

type fakeToken struct{}

func (fakeToken) Wait() bool { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type fakePublisher struct {
	mu           sync.Mutex
	published    map[string]string
	order        []string
	disconnected bool
}

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = map[string]string{}
	}
	f.published[topic] = payload.(string)
	f.order = append(f.order, topic)
	return fakeToken{}
}

func (f *fakePublisher) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func newTestMQTT(pub *fakePublisher) *MQTT {
	m := NewMQTT(MQTTConfig{
		Prefix:             "rpi",
		RefreshRate:        5 * time.Millisecond,
		PowerChange:        10,
		CurrentChange:      0.5,
		PFChange:           0.05,
		VoltageChange:      2,
		MaxPublishInterval: time.Minute,
	}, zap.NewNop())
	m.connect = func(MQTTConfig) (publisher, error) { return pub, nil }
	return m
}

func TestMQTTTopicsAndPayloads(t *testing.T) {
	pub := &fakePublisher{}
	m := newTestMQTT(pub)
	m.client = pub

	m.publish(snapshot(1, 1234.567), time.Now())
	assert.Equal(t, "1234.57", pub.published["rpi/ct1/power"])
	assert.Equal(t, "0.98", pub.published["rpi/ct1/pf"])
	assert.Equal(t, "1234.57", pub.published["rpi/home-consumption/power"])
	assert.Equal(t, "0", pub.published["rpi/production/power"])
	assert.Contains(t, pub.published, "rpi/production/pf")
	assert.Contains(t, pub.published, "rpi/net/current")
	assert.NotContains(t, pub.published, "rpi/net/pf")
	assert.Equal(t, "120.46", pub.published["rpi/voltage"])
}

func TestMQTTPublishesOnlyOnChange(t *testing.T) {
	pub := &fakePublisher{}
	m := newTestMQTT(pub)
	m.client = pub

	now := time.Now()
	m.publish(snapshot(1, 1000), now)
	first := pub.count()

	// +5 W is below the 10 W threshold and current moved less than 0.5 A.
	m.publish(snapshot(2, 1005), now.Add(time.Second))
	assert.Equal(t, first, pub.count())

	// After the max interval everything is sent again.
	m.publish(snapshot(3, 1005), now.Add(2*time.Minute))
	assert.Equal(t, 2*first, pub.count())
}

func TestChangeFilter(t *testing.T) {
	f := newChangeFilter(time.Minute)
	now := time.Now()
	assert.True(t, f.allow("a", 1, 5, now))
	assert.False(t, f.allow("a", 4, 5, now.Add(time.Second)))
	assert.True(t, f.allow("a", 6, 5, now.Add(2*time.Second)))
	assert.False(t, f.allow("a", 6, 5, now.Add(30*time.Second)))
	assert.True(t, f.allow("a", 6, 5, now.Add(3*time.Minute)))
	assert.True(t, f.allow("b", 0, 0, now))
	assert.True(t, f.allow("b", 0, 0, now))
}

func TestMQTTStartAndStop(t *testing.T) {
	pub := &fakePublisher{}
	m := newTestMQTT(pub)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan aggregate.Snapshot, 1)
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, ch) }()

	ch <- snapshot(1, 500)
	require.Eventually(t, func() bool { return pub.count() > 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.NoError(t, m.Stop())
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.True(t, pub.disconnected)
	assert.Equal(t, statusOffline, pub.published["rpi/status"])
}

func litPixels(img *image1bit.VerticalLSB) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.BitAt(x, y) == image1bit.On {
				n++
			}
		}
	}
	return n
}

func TestRender(t *testing.T) {
	waiting := Render(nil)
	assert.Equal(t, image.Rect(0, 0, 128, 64), waiting.Bounds())
	assert.Greater(t, litPixels(waiting), 0)

	s := snapshot(1, 1500)
	assert.Greater(t, litPixels(Render(&s)), litPixels(waiting))
	lines := screenLines(&s)
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "Home"))
	assert.Contains(t, lines[0], "1500W")
	assert.Contains(t, lines[3], "120.5V")
}

type fakeScreen struct {
	mu     sync.Mutex
	draws  int
	halted bool
}

func (f *fakeScreen) Draw(image.Rectangle, image.Image, image.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draws++
	return nil
}

func (f *fakeScreen) Bounds() image.Rectangle { return image.Rect(0, 0, 128, 64) }

func (f *fakeScreen) Halt() error {
	f.halted = true
	return nil
}

func (f *fakeScreen) drawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draws
}

func TestDisplayStart(t *testing.T) {
	scr := &fakeScreen{}
	closed := false
	d := NewDisplay(DisplayConfig{Refresh: 5 * time.Millisecond}, zap.NewNop())
	d.open = func(DisplayConfig) (screen, func() error, error) {
		return scr, func() error { closed = true; return nil }, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan aggregate.Snapshot, 1)
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx, ch) }()

	ch <- snapshot(1, 800)
	require.Eventually(t, func() bool { return scr.drawCount() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, d.Stop())
	assert.True(t, scr.halted)
	assert.True(t, closed)
}

func TestLiveStreamsSnapshots(t *testing.T) {
	l := NewLive(zap.NewNop())
	srv := httptest.NewServer(l)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan aggregate.Snapshot, 1)
	go func() { _ = l.Start(ctx, ch) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return l.Clients() == 1 }, time.Second, time.Millisecond)

	ch <- snapshot(7, 640)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got aggregate.Snapshot
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, uint64(7), got.Cycle)
	assert.Equal(t, 640.0, got.Channels[1].Power)
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(zap.NewNop())
	c1 := &client{send: make(chan []byte, 1)}
	c2 := &client{send: make(chan []byte, 1)}
	h.register(c1)
	h.register(c2)
	assert.Equal(t, 2, h.ClientCount())

	h.Broadcast([]byte("a"))
	h.Broadcast([]byte("b")) // dropped, buffers full
	assert.Equal(t, []byte("a"), <-c1.send)
	assert.Equal(t, []byte("a"), <-c2.send)

	h.unregister(c1)
	assert.Equal(t, 1, h.ClientCount())
	_, open := <-c1.send
	assert.False(t, open)
}
