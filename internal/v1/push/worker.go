package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/logging"
	"github.com/lrcom/lrcom-server/internal/v1/metrics"
	"github.com/lrcom/lrcom-server/internal/v1/store"
)

const (
	batchSize   = 50
	maxAttempts = 20
	sendTTL     = 24 * 60 * 60 // seconds the push gateway may hold the message
)

// Gateway sends one encrypted notification to one endpoint and returns the
// gateway's HTTP status. The production implementation wraps webpush-go;
// tests substitute a fake.
type Gateway interface {
	Send(ctx context.Context, payload []byte, sub *store.PushSubscription) (int, error)
}

// WorkerStore is the outbox surface of the relational store.
type WorkerStore interface {
	ClaimPushBatch(ctx context.Context, limit, maxAttempts int) ([]store.PushQueueEntry, error)
	ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]store.PushSubscription, error)
	BumpPushAttempts(ctx context.Context, userID, messageID uuid.UUID) error
	MarkPushSent(ctx context.Context, userID, messageID uuid.UUID) error
	PruneSubscription(ctx context.Context, endpoint string) error
	CleanupPush(ctx context.Context, now time.Time) error
}

// notification is the fixed payload shape. It carries the chat id and
// nothing else about the message.
type notification struct {
	Title string           `json:"title"`
	Body  string           `json:"body"`
	Tag   string           `json:"tag"`
	URL   string           `json:"url"`
	Data  notificationData `json:"data"`
}

type notificationData struct {
	ChatID uuid.UUID `json:"chatId"`
}

func notificationPayload(appName string, chatID uuid.UUID) ([]byte, error) {
	n := notification{
		Title: appName,
		Body:  "New message",
		Tag:   fmt.Sprintf("lrcom-chat-%s", chatID),
		URL:   "/",
		Data:  notificationData{ChatID: chatID},
	}
	return json.Marshal(n)
}

// Worker drains the push outbox on a timer and cleans up expired rows on a
// slower one.
type Worker struct {
	store    WorkerStore
	gateway  Gateway
	appName  string
	interval time.Duration
	cleanup  time.Duration
}

func NewWorker(st WorkerStore, gateway Gateway, appName string, interval, cleanup time.Duration) *Worker {
	return &Worker{
		store:    st,
		gateway:  gateway,
		appName:  appName,
		interval: interval,
		cleanup:  cleanup,
	}
}

// Run blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	sendTicker := time.NewTicker(w.interval)
	cleanupTicker := time.NewTicker(w.cleanup)
	defer sendTicker.Stop()
	defer cleanupTicker.Stop()

	logging.Info(ctx, "push outbox worker started",
		zap.Duration("interval", w.interval), zap.Duration("cleanup", w.cleanup))

	for {
		select {
		case <-ctx.Done():
			return
		case <-sendTicker.C:
			w.drain(ctx)
		case <-cleanupTicker.C:
			if err := w.store.CleanupPush(ctx, time.Now()); err != nil {
				logging.Warn(ctx, "push cleanup failed", zap.Error(err))
			}
		}
	}
}

// drain claims one batch and attempts delivery for each row.
func (w *Worker) drain(ctx context.Context) {
	batch, err := w.store.ClaimPushBatch(ctx, batchSize, maxAttempts)
	if err != nil {
		logging.Warn(ctx, "push batch claim failed", zap.Error(err))
		return
	}

	for _, entry := range batch {
		w.deliver(ctx, entry)
	}
}

// deliver sends one queue row to every endpoint of its user. Any success
// marks the row sent; endpoints the gateway reports gone are pruned.
func (w *Worker) deliver(ctx context.Context, entry store.PushQueueEntry) {
	if err := w.store.BumpPushAttempts(ctx, entry.UserID, entry.MessageID); err != nil {
		logging.Warn(ctx, "push attempt bump failed", zap.Error(err))
		return
	}

	subs, err := w.store.ListSubscriptions(ctx, entry.UserID)
	if err != nil || len(subs) == 0 {
		return
	}

	payload, err := notificationPayload(w.appName, entry.ChatID)
	if err != nil {
		return
	}

	delivered := false
	for i := range subs {
		status, err := w.gateway.Send(ctx, payload, &subs[i])
		switch {
		case err == nil && status < 300:
			delivered = true
			metrics.PushAttempts.WithLabelValues("ok").Inc()
		case status == http.StatusNotFound || status == http.StatusGone:
			// The endpoint no longer exists at the gateway.
			metrics.PushAttempts.WithLabelValues("gone").Inc()
			if err := w.store.PruneSubscription(ctx, subs[i].Endpoint); err != nil {
				logging.Warn(ctx, "subscription prune failed", zap.Error(err))
			}
		default:
			metrics.PushAttempts.WithLabelValues("error").Inc()
		}
	}

	if delivered {
		if err := w.store.MarkPushSent(ctx, entry.UserID, entry.MessageID); err != nil {
			logging.Warn(ctx, "push sent flag update failed", zap.Error(err))
		}
	}
}

// webpushGateway is the production Gateway: webpush-go behind a circuit
// breaker so a misbehaving push service cannot stall every tick on
// timeouts.
type webpushGateway struct {
	options *webpush.Options
	breaker *gobreaker.CircuitBreaker
}

// NewWebpushGateway builds the VAPID-authenticated gateway.
func NewWebpushGateway(vapidPublicKey, vapidPrivateKey, subject string) Gateway {
	return &webpushGateway{
		options: &webpush.Options{
			Subscriber:      subject,
			VAPIDPublicKey:  vapidPublicKey,
			VAPIDPrivateKey: vapidPrivateKey,
			TTL:             sendTTL,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "webpush",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (g *webpushGateway) Send(ctx context.Context, payload []byte, sub *store.PushSubscription) (int, error) {
	result, err := g.breaker.Execute(func() (any, error) {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}, g.options)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			// Not a gateway fault; don't trip the breaker.
			return resp.StatusCode, nil
		}
		if resp.StatusCode >= 500 {
			return resp.StatusCode, apperr.New(apperr.KindPushTransient, "push gateway error")
		}
		return resp.StatusCode, nil
	})
	status, _ := result.(int)
	return status, err
}
