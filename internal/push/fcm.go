package push

import (
	"context"
	"errors"
	"fmt"

	"geonotify/internal/model"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmMulticastMax is the FCM limit on tokens per multicast request.
const fcmMulticastMax = 500

type FCMConfig struct {
	CredentialsFile string
	ProjectID       string
}

type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCM sends to Android devices through Firebase Cloud Messaging.
type FCM struct {
	client fcmClient
}

func NewFCM(ctx context.Context, cfg FCMConfig) (*FCM, error) {
	if cfg.CredentialsFile == "" {
		return nil, errors.New("fcm: credentials_file is required")
	}
	var conf *firebase.Config
	if cfg.ProjectID != "" {
		conf = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("fcm: init app: %w", err)
	}
	c, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm: messaging client: %w", err)
	}
	return &FCM{client: c}, nil
}

func (f *FCM) Platform() model.Platform { return model.PlatformAndroid }

func (f *FCM) Send(ctx context.Context, t model.DeviceToken, p Payload) Result {
	msg := &messaging.Message{
		Token:        t.Token,
		Data:         p.Data,
		Notification: &messaging.Notification{Title: p.Title, Body: p.Body},
		Android:      androidConfig(p),
	}
	if _, err := f.client.Send(ctx, msg); err != nil {
		return Result{Token: t, Err: classifyFCM(err)}
	}
	return Result{Token: t}
}

func (f *FCM) SendBulk(ctx context.Context, tokens []model.DeviceToken, p Payload) []Result {
	out := make([]Result, 0, len(tokens))
	for start := 0; start < len(tokens); start += fcmMulticastMax {
		chunk := tokens[start:min(start+fcmMulticastMax, len(tokens))]
		regs := make([]string, len(chunk))
		for i, t := range chunk {
			regs[i] = t.Token
		}
		br, err := f.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       regs,
			Data:         p.Data,
			Notification: &messaging.Notification{Title: p.Title, Body: p.Body},
			Android:      androidConfig(p),
		})
		if err != nil {
			err = classifyFCM(err)
			for _, t := range chunk {
				out = append(out, Result{Token: t, Err: err})
			}
			continue
		}
		for i, t := range chunk {
			r := Result{Token: t}
			if i >= len(br.Responses) {
				r.Err = errors.New("fcm: missing response")
			} else if sr := br.Responses[i]; !sr.Success {
				r.Err = classifyFCM(sr.Error)
			}
			out = append(out, r)
		}
	}
	return out
}

func androidConfig(p Payload) *messaging.AndroidConfig {
	return &messaging.AndroidConfig{
		Priority:    "high",
		CollapseKey: p.ThreadID,
		Notification: &messaging.AndroidNotification{
			Tag:         p.ThreadID,
			ClickAction: p.Category,
		},
	}
}

func classifyFCM(err error) error {
	if err == nil {
		return errors.New("fcm: send failed")
	}
	wrapped := fmt.Errorf("fcm: %w", err)
	if messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err) || errorutils.IsInvalidArgument(err) {
		return Permanent(wrapped)
	}
	return wrapped
}
