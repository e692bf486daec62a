package event_test

import (
	"testing"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPayload struct {
	OrderID string
	Amount  float64
}

func TestNew(t *testing.T) {
	before := time.Now()
	evt := event.New("order.created", orderPayload{OrderID: "o-1", Amount: 12.5})

	assert.NotEmpty(t, evt.ID())
	assert.Equal(t, "order.created", evt.Type())
	assert.False(t, evt.Timestamp().Before(before))
	assert.Equal(t, "o-1", evt.TypedData().OrderID)
	assert.Equal(t, orderPayload{OrderID: "o-1", Amount: 12.5}, evt.Data())
	assert.Empty(t, evt.SessionKey())
}

func TestNewUniqueIDs(t *testing.T) {
	a := event.NewAny("x", nil)
	b := event.NewAny("x", nil)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestOptions(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := event.NewAny("conn.read", []byte("hi"),
		event.WithEventID("fixed"),
		event.WithSession("conn-7"),
		event.WithTimestamp(ts),
	)

	assert.Equal(t, "fixed", evt.ID())
	assert.Equal(t, "conn-7", evt.SessionKey())
	assert.Equal(t, ts, evt.Timestamp())

	var keyer event.SessionKeyer = evt
	assert.Equal(t, "conn-7", keyer.SessionKey())
}

func TestSignals(t *testing.T) {
	sink := struct{ name string }{"q"}
	dropped := event.NewAny("work", 1)

	tests := []struct {
		name     string
		evt      event.Event
		wantType string
	}{
		{"closed", event.NewSinkClosed(sink), event.TypeSinkClosed},
		{"clogged", event.NewSinkClogged(sink, dropped, 3), event.TypeSinkClogged},
		{"drained", event.NewSinkDrained(sink), event.TypeSinkDrained},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.evt.Type())
			assert.Equal(t, sink, tt.evt.Data())
			assert.True(t, event.IsSignal(tt.evt))
			assert.False(t, tt.evt.Timestamp().IsZero())
		})
	}

	assert.False(t, event.IsSignal(dropped))
}

func TestSinkCloggedCarriesDropped(t *testing.T) {
	dropped := event.NewAny("work", 1)
	sig := event.NewSinkClogged("q", dropped, 5)
	require.NotNil(t, sig.Dropped)
	assert.Equal(t, dropped.ID(), sig.Dropped.ID())
	assert.Equal(t, 5, sig.Rejections)
}
