package push

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"geonotify/internal/eventbus"
	"geonotify/internal/model"
	"geonotify/internal/storage"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"firebase.google.com/go/v4/messaging"
	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

var (
	iosToken     = strings.Repeat("ab", 32)
	androidToken = strings.Repeat("fcm_Token-1:", 10)
)

func TestValidToken(t *testing.T) {
	t.Parallel()
	cases := []struct {
		platform model.Platform
		token    string
		ok       bool
	}{
		{model.PlatformIOS, iosToken, true},
		{model.PlatformIOS, strings.ToUpper(iosToken), true},
		{model.PlatformIOS, iosToken[:63], false},
		{model.PlatformIOS, strings.Repeat("zz", 32), false},
		{model.PlatformAndroid, androidToken, true},
		{model.PlatformAndroid, androidToken[:99], false},
		{model.PlatformAndroid, androidToken + "!", false},
		{model.Platform("web"), iosToken, false},
	}
	for _, tc := range cases {
		err := ValidToken(tc.platform, tc.token)
		if tc.ok {
			assert.NoError(t, err, "%s %q", tc.platform, tc.token)
		} else {
			assert.Error(t, err, "%s %q", tc.platform, tc.token)
		}
	}
}

func TestPayloadFor(t *testing.T) {
	t.Parallel()
	p := PayloadFor(model.Notification{ID: "n1", TaskID: "t1", Tier: model.TierApproach, Title: "3 reminders nearby", BundleSize: 3})
	assert.Equal(t, "n1", p.ThreadID)
	assert.Equal(t, "reminder.approach", p.Category)
	assert.Equal(t, "3", p.Data["bundle_size"])
	assert.Equal(t, "t1", p.Data["task_id"])

	single := PayloadFor(model.Notification{ID: "n2", Tier: model.TierArrival, BundleSize: 1})
	assert.Empty(t, single.ThreadID)
	assert.NotContains(t, single.Data, "bundle_size")
}

func openStore(t *testing.T) *storage.SQLite {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "push.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addToken(t *testing.T, st *storage.SQLite, id string, platform model.Platform, tok string) {
	t.Helper()
	require.NoError(t, st.UpsertToken(context.Background(), model.DeviceToken{ID: id, UserID: "u1", Platform: platform, Token: tok, UpdatedAt: t0}))
}

func TestPushTracksTokenHealth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	brokenAndroid := strings.Repeat("b", 120)
	flakyAndroid := strings.Repeat("c", 120)
	addToken(t, st, "a-good", model.PlatformIOS, iosToken)
	addToken(t, st, "b-malformed", model.PlatformIOS, "not-a-token")
	addToken(t, st, "c-unregistered", model.PlatformAndroid, brokenAndroid)
	addToken(t, st, "d-flaky", model.PlatformAndroid, flakyAndroid)

	ios := NewSimulated(model.PlatformIOS, SimulatedConfig{Seed: 1})
	android := NewSimulated(model.PlatformAndroid, SimulatedConfig{Seed: 1})
	android.FailToken(brokenAndroid, Permanent(errors.New("unregistered")))
	android.FailToken(flakyAndroid, errors.New("unavailable"))

	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	g := New(Config{}, Deps{Store: st, Adapters: []Adapter{ios, android}, Clock: clock.NewFake(t0), Bus: bus, Log: logx.Nop()})
	rep, err := g.Push(ctx, "u1", Payload{NotificationID: "n1", Title: "hi"})
	require.NoError(t, err, "one device accepted the push")
	assert.Equal(t, 4, rep.Attempted)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 3, rep.Failed)
	assert.Equal(t, 2, rep.Deactivated)
	assert.Equal(t, []string{iosToken}, ios.Sent())

	active, err := st.ActiveTokens(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a-good", active[0].ID)
	assert.Equal(t, "d-flaky", active[1].ID)
	assert.Equal(t, 1, active[1].FailureCount)

	deactivated := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TokenDeactivated {
			deactivated++
		}
	}
	assert.Equal(t, 2, deactivated)
}

func TestPushErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	ios := NewSimulated(model.PlatformIOS, SimulatedConfig{Seed: 1})
	g := New(Config{}, Deps{Store: st, Adapters: []Adapter{ios}, Clock: clock.NewFake(t0), Log: logx.Nop()})

	_, err := g.Push(ctx, "u1", Payload{})
	require.ErrorIs(t, err, ErrNoActiveTokens)
	require.ErrorIs(t, err, model.ErrPermanentDelivery)

	addToken(t, st, "bad", model.PlatformIOS, "short")
	_, err = g.Push(ctx, "u1", Payload{})
	require.ErrorIs(t, err, model.ErrPermanentDelivery)

	addToken(t, st, "good", model.PlatformIOS, iosToken)
	ios.FailToken(iosToken, errors.New("timeout"))
	err = g.Deliver(ctx, model.Notification{ID: "n1", UserID: "u1"})
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
}

type flaky struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *flaky) Platform() model.Platform { return model.PlatformIOS }

func (f *flaky) Send(_ context.Context, t model.DeviceToken, _ Payload) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[t.ID]++
	if f.calls[t.ID] == 1 {
		return Result{Token: t, Err: errors.New("connection reset")}
	}
	return Result{Token: t}
}

func (f *flaky) SendBulk(ctx context.Context, tokens []model.DeviceToken, p Payload) []Result {
	out := make([]Result, len(tokens))
	for i, t := range tokens {
		out[i] = f.Send(ctx, t, p)
	}
	return out
}

func TestPushResendsTransientFailures(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	addToken(t, st, "tok", model.PlatformIOS, iosToken)
	a := &flaky{calls: map[string]int{}}
	g := New(Config{RetryMax: 1}, Deps{Store: st, Adapters: []Adapter{a}, Clock: clock.NewFake(t0), Log: logx.Nop()})

	rep, err := g.Push(context.Background(), "u1", Payload{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 2, a.calls["tok"])
}

type fakeAPNs struct {
	res map[string]*apns2.Response
}

func (f *fakeAPNs) PushWithContext(_ apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	if r, ok := f.res[n.DeviceToken]; ok {
		return r, nil
	}
	return &apns2.Response{StatusCode: 200}, nil
}

func TestAPNsClassification(t *testing.T) {
	t.Parallel()
	gone := strings.Repeat("01", 32)
	busy := strings.Repeat("02", 32)
	a := newAPNs(&fakeAPNs{res: map[string]*apns2.Response{
		gone: {StatusCode: 410, Reason: apns2.ReasonUnregistered},
		busy: {StatusCode: 503, Reason: apns2.ReasonServiceUnavailable},
	}}, "com.example.reminders", 2)

	out := a.SendBulk(context.Background(), []model.DeviceToken{
		{ID: "ok", Token: iosToken}, {ID: "gone", Token: gone}, {ID: "busy", Token: busy},
	}, Payload{Title: "t"})
	require.Len(t, out, 3)
	assert.NoError(t, out[0].Err)
	assert.True(t, out[1].Permanent())
	assert.Error(t, out[2].Err)
	assert.False(t, out[2].Permanent())
}

type fakeFCM struct {
	failIdx map[int]error
	sizes   []int
}

func (f *fakeFCM) Send(context.Context, *messaging.Message) (string, error) { return "m", nil }

func (f *fakeFCM) SendEachForMulticast(_ context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.sizes = append(f.sizes, len(m.Tokens))
	br := &messaging.BatchResponse{}
	for i := range m.Tokens {
		if err, ok := f.failIdx[i]; ok {
			br.Responses = append(br.Responses, &messaging.SendResponse{Error: err})
			br.FailureCount++
			continue
		}
		br.Responses = append(br.Responses, &messaging.SendResponse{Success: true, MessageID: "m"})
		br.SuccessCount++
	}
	return br, nil
}

func TestFCMMulticastChunks(t *testing.T) {
	t.Parallel()
	c := &fakeFCM{failIdx: map[int]error{1: errors.New("internal")}}
	f := &FCM{client: c}
	tokens := make([]model.DeviceToken, 501)
	for i := range tokens {
		tokens[i] = model.DeviceToken{ID: "t", Token: androidToken}
	}
	out := f.SendBulk(context.Background(), tokens, Payload{Title: "t"})
	require.Len(t, out, 501)
	assert.Equal(t, []int{500, 1}, c.sizes)
	assert.NoError(t, out[0].Err)
	assert.Error(t, out[1].Err)
	assert.False(t, out[1].Permanent())
}
