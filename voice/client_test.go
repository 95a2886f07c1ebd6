// Copyright 2025 The VoiceLink Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package voice

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu       sync.Mutex
	joins    []string
	leaves   int
	onChange func(channelID *string)
}

func (g *fakeGateway) ChangeVoiceState(_ context.Context, _ string, channelID *string) error {
	g.mu.Lock()
	if channelID == nil {
		g.leaves++
	} else {
		g.joins = append(g.joins, *channelID)
	}
	fn := g.onChange
	g.mu.Unlock()
	if fn != nil {
		fn(channelID)
	}
	return nil
}

func (g *fakeGateway) joinCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.joins)
}

func (g *fakeGateway) leaveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaves
}

type fakeConn struct {
	runErrs chan error
	latency float64

	mu          sync.Mutex
	disconnects int
	closeOnce   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		runErrs: make(chan error, 8),
		latency: math.Inf(1),
	}
}

func (c *fakeConn) Run(ctx context.Context) error {
	select {
	case err := <-c.runErrs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect ends a pending Run with a clean close, the way closing the
// real transport socket does.
func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		c.runErrs <- NewGatewayError(1000, "disconnected")
	})
	return nil
}

func (c *fakeConn) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *fakeConn) Play(AudioSource, func(error))              {}
func (c *fakeConn) Stop()                                      {}
func (c *fakeConn) IsPlaying() bool                            { return false }
func (c *fakeConn) IsRecording() bool                          { return false }
func (c *fakeConn) Record(func(error))                         {}
func (c *fakeConn) StopRecord(context.Context) ([]byte, error) { return []byte("RIFF"), nil }
func (c *fakeConn) Latency() float64                           { return c.latency }
func (c *fakeConn) AverageLatency() float64                    { return c.latency }
func (c *fakeConn) State() map[string]any                      { return map[string]any{"fake": true} }

type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	calls []ConnectionParams
}

func (f *fakeConnector) Connect(_ context.Context, params ConnectionParams) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.conns) == 0 {
		return newFakeConn(), nil
	}
	conn := f.conns[0]
	f.conns = f.conns[1:]
	return conn, nil
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeConnector) call(i int) ConnectionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// newTestClient wires a client to fakes whose join requests are answered
// synchronously with both handshake events, like a well-behaved platform.
func newTestClient(t *testing.T) (*Client, *fakeGateway, *fakeConnector) {
	t.Helper()
	gw := &fakeGateway{}
	cn := &fakeConnector{}
	c := New(Params{
		Gateway:   gw,
		Connector: cn,
		UserID:    "user-1",
		GuildID:   "guild-1",
		ChannelID: "channel-1",
	})
	gw.onChange = func(channelID *string) {
		if channelID == nil {
			return
		}
		_ = c.OnVoiceStateUpdate(context.Background(), VoiceStateUpdate{SessionID: "sess-1"})
		c.OnVoiceServerUpdate(VoiceServerUpdate{
			GuildID:  "guild-1",
			Token:    "tok-1",
			Endpoint: "wss://voice.example.com:443",
		})
	}
	return c, gw, cn
}

func TestConnectEstablishesSession(t *testing.T) {
	c, gw, cn := newTestClient(t)

	err := c.Connect(context.Background(), false, time.Second)
	require.NoError(t, err)

	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, c.Attempts())
	assert.Equal(t, []string{"channel-1"}, gw.joins)

	require.Equal(t, 1, cn.callCount())
	assert.Equal(t, ConnectionParams{
		UserID:    "user-1",
		SessionID: "sess-1",
		GuildID:   "guild-1",
		Token:     "tok-1",
		Endpoint:  "voice.example.com",
	}, cn.call(0))

	require.NoError(t, c.Disconnect(context.Background(), false))
	require.NoError(t, c.Wait())
}

func TestConnectTimesOutWithoutServerSignal(t *testing.T) {
	c, gw, cn := newTestClient(t)
	gw.onChange = func(channelID *string) {
		if channelID == nil {
			return
		}
		// The session signal arrives alone; the server one never does.
		_ = c.OnVoiceStateUpdate(context.Background(), VoiceStateUpdate{SessionID: "sess-1"})
	}

	err := c.Connect(context.Background(), false, 20*time.Millisecond)

	var timedOut *HandshakeTimeoutError
	require.ErrorAs(t, err, &timedOut)
	assert.False(t, c.IsConnected())
	assert.Zero(t, cn.callCount())
	// The failed attempt still tears the channel membership down.
	assert.Equal(t, 1, gw.leaveCount())
}

func TestConnectDialFailure(t *testing.T) {
	c, _, cn := newTestClient(t)
	cn.err = assert.AnError

	err := c.Connect(context.Background(), false, time.Second)

	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	require.ErrorIs(t, err, assert.AnError)
	assert.False(t, c.IsConnected())
}

func TestDuplicateServerUpdateIsIgnored(t *testing.T) {
	c, gw, cn := newTestClient(t)
	gw.onChange = func(channelID *string) {
		if channelID == nil {
			return
		}
		_ = c.OnVoiceStateUpdate(context.Background(), VoiceStateUpdate{SessionID: "sess-1"})
		c.OnVoiceServerUpdate(VoiceServerUpdate{
			GuildID: "guild-1", Token: "tok-1", Endpoint: "wss://voice.example.com:443",
		})
		// A second complete update must not rebind the credentials.
		c.OnVoiceServerUpdate(VoiceServerUpdate{
			GuildID: "guild-1", Token: "tok-2", Endpoint: "wss://other.example.com:443",
		})
	}

	require.NoError(t, c.Connect(context.Background(), false, time.Second))

	require.Equal(t, 1, cn.callCount())
	assert.Equal(t, "tok-1", cn.call(0).Token)
	assert.Equal(t, "voice.example.com", cn.call(0).Endpoint)

	require.NoError(t, c.Disconnect(context.Background(), false))
	require.NoError(t, c.Wait())
}

func TestIncompleteServerUpdateKeepsWaiting(t *testing.T) {
	c, gw, cn := newTestClient(t)
	gw.onChange = func(channelID *string) {
		if channelID == nil {
			return
		}
		_ = c.OnVoiceStateUpdate(context.Background(), VoiceStateUpdate{SessionID: "sess-1"})
		c.OnVoiceServerUpdate(VoiceServerUpdate{GuildID: "guild-1"})
		c.OnVoiceServerUpdate(VoiceServerUpdate{
			GuildID: "guild-1", Token: "tok-late", Endpoint: "voice.example.com",
		})
	}

	require.NoError(t, c.Connect(context.Background(), false, time.Second))

	require.Equal(t, 1, cn.callCount())
	assert.Equal(t, "tok-late", cn.call(0).Token)

	require.NoError(t, c.Disconnect(context.Background(), false))
	require.NoError(t, c.Wait())
}

func TestDisconnectWithoutConnection(t *testing.T) {
	c, gw, _ := newTestClient(t)

	require.NoError(t, c.Disconnect(context.Background(), false))
	require.NoError(t, c.Disconnect(context.Background(), true))
	assert.Equal(t, 2, gw.leaveCount())
}

func TestDisconnectStopsTransport(t *testing.T) {
	c, gw, cn := newTestClient(t)
	conn := newFakeConn()
	cn.conns = []*fakeConn{conn}

	require.NoError(t, c.Connect(context.Background(), true, time.Second))
	require.NoError(t, c.Disconnect(context.Background(), false))

	assert.False(t, c.IsConnected())
	assert.Equal(t, 1, conn.disconnectCount())

	// A clean close never trips the reconnect path.
	require.NoError(t, c.Wait())
	assert.Equal(t, 1, cn.callCount())
	assert.GreaterOrEqual(t, gw.leaveCount(), 1)
}

func TestReconnectBacksOffAndRetries(t *testing.T) {
	c, gw, cn := newTestClient(t)

	conn1 := newFakeConn()
	conn2 := newFakeConn()
	conn3 := newFakeConn()
	conn1.runErrs <- TryReconnectErrorf("connection reset")
	conn2.runErrs <- TryReconnectErrorf("connection reset")
	conn3.runErrs <- NewGatewayError(1000, "done")
	cn.conns = []*fakeConn{conn1, conn2, conn3}

	var mu sync.Mutex
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return true
	}

	require.NoError(t, c.Connect(context.Background(), true, time.Second))
	require.NoError(t, c.Wait())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 2)
	assert.Greater(t, delays[1], delays[0])

	assert.Equal(t, 3, cn.callCount())
	assert.Equal(t, 3, c.Attempts())
	assert.Equal(t, 3, gw.joinCount())
}

func TestReconnectSurvivesHandshakeTimeout(t *testing.T) {
	c, gw, cn := newTestClient(t)

	conn1 := newFakeConn()
	conn2 := newFakeConn()
	conn1.runErrs <- TryReconnectErrorf("connection reset")
	conn2.runErrs <- NewGatewayError(1000, "done")
	cn.conns = []*fakeConn{conn1, conn2}

	// The first reconnect join gets only the session signal, so its
	// handshake times out; the platform behaves again afterwards.
	gw.onChange = func(channelID *string) {
		if channelID == nil {
			return
		}
		_ = c.OnVoiceStateUpdate(context.Background(), VoiceStateUpdate{SessionID: "sess-1"})
		if gw.joinCount() == 2 {
			return
		}
		c.OnVoiceServerUpdate(VoiceServerUpdate{
			GuildID: "guild-1", Token: "tok-1", Endpoint: "voice.example.com",
		})
	}

	var mu sync.Mutex
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return true
	}

	require.NoError(t, c.Connect(context.Background(), true, 40*time.Millisecond))
	require.NoError(t, c.Wait())

	// The timed-out attempt backed off again and redialed.
	assert.Equal(t, 2, cn.callCount())
	assert.Equal(t, 3, gw.joinCount())
	assert.Equal(t, 3, c.Attempts())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 2)
	assert.Greater(t, delays[1], delays[0])
}

func TestTransientFailureWithoutReconnect(t *testing.T) {
	c, _, cn := newTestClient(t)
	conn := newFakeConn()
	conn.runErrs <- TryReconnectErrorf("connection reset")
	cn.conns = []*fakeConn{conn}

	require.NoError(t, c.Connect(context.Background(), false, time.Second))

	err := c.Wait()
	var transient *TryReconnectError
	require.ErrorAs(t, err, &transient)
	assert.False(t, c.IsConnected())
	assert.Equal(t, 1, conn.disconnectCount())
}

func TestSecondConnectRetiresPriorRunLoop(t *testing.T) {
	c, _, cn := newTestClient(t)
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	cn.conns = []*fakeConn{conn1, conn2}

	require.NoError(t, c.Connect(context.Background(), true, time.Second))
	require.NoError(t, c.Connect(context.Background(), true, time.Second))

	assert.Same(t, conn2, c.current())
	assert.Equal(t, 2, cn.callCount())

	require.NoError(t, c.Disconnect(context.Background(), false))
	require.NoError(t, c.Wait())
}

func TestVoiceStateRemovalDisconnects(t *testing.T) {
	c, _, cn := newTestClient(t)
	conn := newFakeConn()
	cn.conns = []*fakeConn{conn}

	require.NoError(t, c.Connect(context.Background(), false, time.Second))
	require.NoError(t, c.OnVoiceStateUpdate(context.Background(), VoiceStateUpdate{SessionID: "sess-1"}))

	assert.False(t, c.IsConnected())
	assert.Equal(t, 1, conn.disconnectCount())
	require.NoError(t, c.Wait())
}

func TestVoiceStateTracksChannelMoves(t *testing.T) {
	c, gw, _ := newTestClient(t)
	gw.onChange = nil

	require.NoError(t, c.MoveTo(context.Background(), "channel-2"))
	assert.Equal(t, []string{"channel-2"}, gw.joins)
	// The tracked channel changes only once the platform confirms.
	assert.Equal(t, "channel-1", c.ChannelID())

	newChannel := "channel-2"
	require.NoError(t, c.OnVoiceStateUpdate(context.Background(),
		VoiceStateUpdate{SessionID: "sess-1", ChannelID: &newChannel}))
	assert.Equal(t, "channel-2", c.ChannelID())
}

func TestLatencySentinelWithoutTransport(t *testing.T) {
	c, _, cn := newTestClient(t)
	assert.True(t, math.IsInf(c.Latency(), 1))
	assert.True(t, math.IsInf(c.AverageLatency(), 1))

	conn := newFakeConn()
	conn.latency = 0.042
	cn.conns = []*fakeConn{conn}
	require.NoError(t, c.Connect(context.Background(), false, time.Second))

	assert.Equal(t, 0.042, c.Latency())
	assert.Equal(t, 0.042, c.AverageLatency())

	require.NoError(t, c.Disconnect(context.Background(), false))
	require.NoError(t, c.Wait())
}

func TestMediaControlsWithoutTransport(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.Play(nil, nil)
	c.Stop()
	c.Record(nil)
	assert.False(t, c.IsPlaying())
	assert.False(t, c.IsRecording())

	data, err := c.StopRecord(context.Background())
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Empty(t, c.State())
}
