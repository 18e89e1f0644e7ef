package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"geonotify/internal/model"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

type APNsConfig struct {
	KeyFile     string
	KeyID       string
	TeamID      string
	Topic       string
	Production  bool
	Concurrency int
}

type apnsClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// APNs sends to iOS devices over HTTP/2 with token based auth.
type APNs struct {
	client      apnsClient
	topic       string
	concurrency int
}

func NewAPNs(cfg APNsConfig) (*APNs, error) {
	if cfg.KeyFile == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.Topic == "" {
		return nil, errors.New("apns: key_file, key_id, team_id and topic are required")
	}
	key, err := token.AuthKeyFromFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apns: load auth key: %w", err)
	}
	c := apns2.NewTokenClient(&token.Token{AuthKey: key, KeyID: cfg.KeyID, TeamID: cfg.TeamID})
	if cfg.Production {
		c = c.Production()
	} else {
		c = c.Development()
	}
	return newAPNs(c, cfg.Topic, cfg.Concurrency), nil
}

func newAPNs(c apnsClient, topic string, concurrency int) *APNs {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &APNs{client: c, topic: topic, concurrency: concurrency}
}

func (a *APNs) Platform() model.Platform { return model.PlatformIOS }

func (a *APNs) Send(ctx context.Context, t model.DeviceToken, p Payload) Result {
	res, err := a.client.PushWithContext(ctx, a.notification(t.Token, p))
	if err != nil {
		return Result{Token: t, Err: fmt.Errorf("apns: %w", err)}
	}
	if res.Sent() {
		return Result{Token: t}
	}
	return Result{Token: t, Err: classifyAPNs(res)}
}

func (a *APNs) SendBulk(ctx context.Context, tokens []model.DeviceToken, p Payload) []Result {
	return fanOut(ctx, tokens, a.concurrency, func(ctx context.Context, t model.DeviceToken) Result {
		return a.Send(ctx, t, p)
	})
}

func (a *APNs) notification(deviceToken string, p Payload) *apns2.Notification {
	pl := payload.NewPayload().AlertTitle(p.Title).AlertBody(p.Body).Category(p.Category).Sound("default")
	if p.ThreadID != "" {
		pl.ThreadID(p.ThreadID)
	}
	for k, v := range p.Data {
		pl.Custom(k, v)
	}
	return &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       a.topic,
		CollapseID:  p.NotificationID,
		Payload:     pl,
		Priority:    apns2.PriorityHigh,
		PushType:    apns2.PushTypeAlert,
	}
}

func classifyAPNs(res *apns2.Response) error {
	err := fmt.Errorf("apns: %d %s", res.StatusCode, res.Reason)
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return Permanent(err)
	}
	if res.StatusCode == http.StatusGone {
		return Permanent(err)
	}
	return err
}
