package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"geonotify/internal/model"
)

var (
	ErrNoActiveTokens = fmt.Errorf("%w: no active device tokens", model.ErrPermanentDelivery)
	ErrNoAdapter      = errors.New("no adapter for platform")
)

// Config controls fan-out and rate limiting.
type Config struct {
	RatePerSec  int
	Burst       int
	Concurrency int
	// RetryMax is the number of immediate resends for a token that failed
	// transiently within one delivery attempt.
	RetryMax    int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 50
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Payload is the platform-neutral push content.
type Payload struct {
	NotificationID string
	Title          string
	Body           string
	Category       string
	ThreadID       string
	Actions        []model.Action
	Data           map[string]string
}

// PayloadFor renders a notification into a push payload. Bundles share a
// thread id so devices group them.
func PayloadFor(n model.Notification) Payload {
	p := Payload{
		NotificationID: n.ID,
		Title:          n.Title,
		Body:           n.Body,
		Category:       "reminder." + string(n.Tier),
		Actions:        append([]model.Action(nil), n.Actions...),
		Data: map[string]string{
			"notification_id": n.ID,
			"tier":            string(n.Tier),
		},
	}
	if n.TaskID != "" {
		p.Data["task_id"] = n.TaskID
	}
	if n.BundleSize > 1 {
		p.ThreadID = n.ID
		p.Data["bundle_size"] = fmt.Sprint(n.BundleSize)
	}
	return p
}

// Result is the outcome for one device token.
type Result struct {
	Token model.DeviceToken
	Err   error
}

// Permanent reports whether the token should be deactivated.
func (r Result) Permanent() bool { return errors.Is(r.Err, model.ErrPermanentDelivery) }

// Report summarizes one delivery across all of a user's devices.
type Report struct {
	UserID      string
	Attempted   int
	Delivered   int
	Failed      int
	Deactivated int
	Results     []Result
}

// Adapter sends to one platform's push service.
type Adapter interface {
	Platform() model.Platform
	Send(ctx context.Context, token model.DeviceToken, p Payload) Result
	SendBulk(ctx context.Context, tokens []model.DeviceToken, p Payload) []Result
}

// Store is the token persistence the gateway needs.
type Store interface {
	ActiveTokens(ctx context.Context, userID string) ([]model.DeviceToken, error)
	DeactivateToken(ctx context.Context, id, reason string, now time.Time) error
	RecordTokenFailure(ctx context.Context, id, reason string, now time.Time) error
	RecordTokenSuccess(ctx context.Context, id string, now time.Time) error
}

// Permanent marks err as a permanent delivery failure for its token.
func Permanent(err error) error {
	if err == nil || errors.Is(err, model.ErrPermanentDelivery) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrPermanentDelivery, err)
}
