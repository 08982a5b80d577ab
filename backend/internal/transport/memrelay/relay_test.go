package memrelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/backend/internal/clock"
	"roomsync/backend/internal/model"
	"roomsync/backend/internal/transport"
)

type recorder struct {
	events       []model.Envelope
	snaps        []model.Snapshot
	disconnected []error
}

func (r *recorder) handlers() transport.Handlers {
	return transport.Handlers{
		OnBroadcast:    func(e model.Envelope) { r.events = append(r.events, e) },
		OnPresenceSync: func(s model.Snapshot) { r.snaps = append(r.snaps, s) },
		OnDisconnected: func(err error) { r.disconnected = append(r.disconnected, err) },
	}
}

func TestSendEchoesToEveryone(t *testing.T) {
	ctx := context.Background()
	relay := New(clock.Fake(time.Unix(0, 0)))
	var a, b recorder
	ha, err := relay.Subscribe(ctx, "r", a.handlers())
	require.NoError(t, err)
	_, err = relay.Subscribe(ctx, "r", b.handlers())
	require.NoError(t, err)

	env := model.NewHeartbeatEvent("r", "alice", time.Unix(0, 0))
	require.NoError(t, relay.Send(ctx, ha, env))
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestTrackBumpsVersionAndSyncs(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(time.Unix(100, 0))
	relay := New(fc)
	var a, b recorder
	ha, _ := relay.Subscribe(ctx, "r", a.handlers())
	hb, _ := relay.Subscribe(ctx, "r", b.handlers())

	require.NoError(t, relay.Track(ctx, ha, model.Participant{UserID: "alice"}))
	require.NoError(t, relay.Track(ctx, hb, model.Participant{UserID: "bob"}))

	require.Len(t, b.snaps, 2)
	last := b.snaps[1]
	assert.Equal(t, uint64(2), last.Version)
	assert.Len(t, last.Participants, 2)
	assert.Equal(t, time.Unix(100, 0), last.Participants["alice"].JoinedAt)

	snap, err := relay.PresenceState(ctx, ha)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)

	require.NoError(t, relay.Unsubscribe(ctx, hb))
	last = a.snaps[len(a.snaps)-1]
	assert.Equal(t, uint64(3), last.Version)
	assert.NotContains(t, last.Participants, "bob")

	assert.ErrorIs(t, relay.Send(ctx, hb, model.Envelope{}), transport.ErrClosedHandle)
}

func TestDropAndCrash(t *testing.T) {
	ctx := context.Background()
	relay := New(clock.Fake(time.Unix(0, 0)))
	var a, b, c recorder
	ha, _ := relay.Subscribe(ctx, "r", a.handlers())
	hb, _ := relay.Subscribe(ctx, "r", b.handlers())
	hc, _ := relay.Subscribe(ctx, "r", c.handlers())
	relay.Track(ctx, hb, model.Participant{UserID: "bob"})
	relay.Track(ctx, hc, model.Participant{UserID: "carol"})

	relay.Drop(hb)
	require.Len(t, b.disconnected, 1)
	assert.True(t, errors.Is(b.disconnected[0], transport.ErrUnavailable))
	assert.NotContains(t, a.snaps[len(a.snaps)-1].Participants, "bob")

	relay.Crash(hc)
	assert.Empty(t, c.disconnected)
	snap, _ := relay.PresenceState(ctx, ha)
	assert.Contains(t, snap.Participants, "carol")
	assert.Equal(t, 1, relay.Subscribers("r"))
}

func TestOfflineAndSendError(t *testing.T) {
	ctx := context.Background()
	relay := New(nil)
	relay.SetOffline(true)
	_, err := relay.Subscribe(ctx, "r", transport.Handlers{})
	assert.ErrorIs(t, err, transport.ErrUnavailable)
	relay.SetOffline(false)

	h, err := relay.Subscribe(ctx, "r", transport.Handlers{})
	require.NoError(t, err)
	boom := errors.New("boom")
	relay.SetSendError(boom)
	assert.ErrorIs(t, relay.Send(ctx, h, model.Envelope{}), boom)
	relay.SetSendError(nil)
	assert.NoError(t, relay.Send(ctx, h, model.Envelope{}))
}

func TestInjectDeliversWithoutSender(t *testing.T) {
	relay := New(nil)
	var a recorder
	relay.Subscribe(context.Background(), "r", a.handlers())
	env := model.NewHeartbeatEvent("r", "ghost", time.Unix(0, 0))
	relay.Inject("r", env)
	relay.Inject("r", env)
	assert.Len(t, a.events, 2)
	relay.Inject("empty", env)
}
