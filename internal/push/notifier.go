package push

import (
	"context"
	"encoding/json"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/teamline/internal/logger"
)

// Subscription is one browser push subscription.
type Subscription struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// SubscriptionStore persists push subscriptions.
type SubscriptionStore interface {
	Save(ctx context.Context, sub Subscription) error
	Delete(ctx context.Context, endpoint string) error
	ListByUsers(ctx context.Context, userIDs []string) ([]Subscription, error)
}

// Notifier delivers Web Push notifications to subscribed browsers. With no
// VAPID keys configured every call is a no-op; subscriptions are still
// accepted and stored.
type Notifier struct {
	store SubscriptionStore
	opts  *webpush.Options
}

func NewNotifier(store SubscriptionStore, keys *VAPIDKeys, subscriber string) *Notifier {
	n := &Notifier{store: store}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		n.opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return n
}

// Enabled reports whether notifications will actually be sent.
func (n *Notifier) Enabled() bool { return n.opts != nil }

// NotifyUsers sends a notification to every subscription of the given users.
// Delivery failures are logged; gone subscriptions (404/410) are pruned.
func (n *Notifier) NotifyUsers(ctx context.Context, userIDs []string, title, body string, data map[string]string) {
	if n.opts == nil || len(userIDs) == 0 {
		return
	}
	subs, err := n.store.ListByUsers(ctx, userIDs)
	if err != nil {
		logger.Errorf("push: list subscriptions: %v", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	for _, sub := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, n.opts)
		if err != nil {
			logger.Errorf("push: send to %s: %v", truncate(sub.Endpoint, 50), err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := n.store.Delete(ctx, sub.Endpoint); err != nil {
				logger.Errorf("push: prune %s: %v", truncate(sub.Endpoint, 50), err)
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
