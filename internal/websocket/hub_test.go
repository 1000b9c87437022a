package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/service"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testUpdate(instrument, close string) model.TradeUpdate {
	c := decimal.RequireFromString(close)
	return model.TradeUpdate{
		Trade: model.Trade{ID: "t-" + close, Instrument: instrument, Side: model.SideBuy, Value: c, OccurredAt: t0},
		Bar: model.Bar{
			Instrument: instrument, Interval: model.Interval1m, BucketStart: t0,
			Open: c, High: c, Low: c, Close: c, Trades: 1,
		},
		Aggregate: model.AggregateUpdate{Instrument: instrument, RaisedFunds: c, UpdatedAt: t0},
	}
}

type hubFixture struct {
	hub        *Hub
	dispatcher *service.Dispatcher
	server     *httptest.Server
}

func newHubFixture(t *testing.T, latest service.LatestBarFunc) hubFixture {
	t.Helper()
	d := service.NewDispatcher(service.DispatcherConfig{MaxInstrumentsPerSubscriber: 2}, latest, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, d.Start(ctx))

	hub := NewHub(d, HubConfig{PingPeriod: time.Second, WriteTimeout: time.Second})
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hubFixture{hub: hub, dispatcher: d, server: server}
}

func (f hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.hub.Connections() >= 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, action model.ClientAction, instrument string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(model.ClientMessage{Action: action, Instrument: instrument}))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) model.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env model.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// publishUntilDelta publishes update until the join has taken effect and a barDelta arrives.
func (f hubFixture) publishUntilDelta(t *testing.T, conn *websocket.Conn, update model.TradeUpdate) model.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.dispatcher.Publish(update)
		env := readEnvelope(t, conn)
		if env.Event == model.EventBarDelta {
			return env
		}
	}
	require.FailNow(t, "no barDelta received")
	return model.Envelope{}
}

func TestHub_JoinReceivesLatestBarThenDeltas(t *testing.T) {
	latest := func(_ context.Context, instrument string) (model.Bar, bool, error) {
		return testUpdate(instrument, "1.5").Bar, true, nil
	}
	f := newHubFixture(t, latest)
	conn := f.dial(t)

	send(t, conn, model.ActionJoin, "0xabc")
	env := readEnvelope(t, conn)
	assert.Equal(t, model.EventLatestBar, env.Event)
	assert.Equal(t, "1.5", env.Bar.Close.String())

	f.dispatcher.Publish(testUpdate("0xabc", "2.5"))
	env = readEnvelope(t, conn)
	assert.Equal(t, model.EventBarDelta, env.Event)
	assert.Equal(t, "2.5", env.Bar.Close.String())
	require.NotNil(t, env.Trade)
	assert.Equal(t, "t-2.5", env.Trade.ID)

	env = readEnvelope(t, conn)
	assert.Equal(t, model.EventAggregateUpdate, env.Event)
}

func TestHub_AggregateReachesUnjoinedClients(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := f.dial(t)

	f.dispatcher.Publish(testUpdate("0xabc", "3"))
	env := readEnvelope(t, conn)
	assert.Equal(t, model.EventAggregateUpdate, env.Event)
	assert.Equal(t, "0xabc", env.Aggregate.Instrument)
	assert.Equal(t, "3", env.Aggregate.RaisedFunds.String())
}

func TestHub_Leave(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := f.dial(t)

	send(t, conn, model.ActionJoin, "0xabc")
	f.publishUntilDelta(t, conn, testUpdate("0xabc", "1"))
	// Drain the aggregate that follows the delta.
	assert.Equal(t, model.EventAggregateUpdate, readEnvelope(t, conn).Event)

	send(t, conn, model.ActionLeave, "0xabc")
	// Commands are applied in order, so an error reply to a later bad command
	// proves the leave was processed.
	send(t, conn, model.ActionJoin, "bad:id")
	for {
		env := readEnvelope(t, conn)
		if env.Event == model.EventError {
			break
		}
	}

	f.dispatcher.Publish(testUpdate("0xabc", "2"))
	env := readEnvelope(t, conn)
	assert.Equal(t, model.EventAggregateUpdate, env.Event, "no delta after leave")
}

func TestHub_InvalidCommands(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := f.dial(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"action":`},
		{"unknown action", `{"action":"watch","instrument":"0xabc"}`},
		{"missing instrument", `{"action":"join"}`},
		{"invalid instrument", `{"action":"join","instrument":"bars:0xabc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)))
			env := readEnvelope(t, conn)
			assert.Equal(t, model.EventError, env.Event)
			assert.NotEmpty(t, env.Error)
		})
	}

	t.Run("too many instruments", func(t *testing.T) {
		send(t, conn, model.ActionJoin, "0x1")
		send(t, conn, model.ActionJoin, "0x2")
		send(t, conn, model.ActionJoin, "0x3")
		env := readEnvelope(t, conn)
		assert.Equal(t, model.EventError, env.Event)
		assert.Equal(t, "0x3", env.Instrument)
	})
}

func TestHub_DisconnectUnsubscribes(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := f.dial(t)
	require.Equal(t, 1, f.hub.Connections())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.hub.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := f.dial(t)

	done := make(chan struct{})
	go func() {
		f.hub.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		require.FailNow(t, "hub close did not return")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "want a going-away close frame, got %v", err)
	assert.Equal(t, 0, f.hub.Connections())
}
