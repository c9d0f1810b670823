// Package cleanup runs the account retention sweep. Accounts carry a
// remove_date that every authenticated request pushes forward; the sweeper
// deletes whatever the date has passed on, then collects chats left with no
// members.
package cleanup

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/lrcom/lrcom-server/internal/v1/logging"
	"github.com/lrcom/lrcom-server/internal/v1/metrics"
)

// initialDelay keeps the first sweep off the startup hot path.
const initialDelay = 30 * time.Second

// jitterWindow is added to the retention base so two accounts registered in
// the same second do not expire in the same second.
const jitterWindow = 24 * time.Hour

// Store is the sweep surface of the relational store.
type Store interface {
	SweepExpired(ctx context.Context) (users int64, chats int64, err error)
}

// Sweeper deletes expired accounts and orphaned chats on a timer.
type Sweeper struct {
	store    Store
	interval time.Duration
}

func NewSweeper(st Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: st, interval: interval}
}

// Run blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logging.Info(ctx, "retention sweeper started", zap.Duration("interval", s.interval))

	select {
	case <-ctx.Done():
		return
	case <-time.After(initialDelay):
	}
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	users, chats, err := s.store.SweepExpired(ctx)
	if err != nil {
		logging.Warn(ctx, "retention sweep failed", zap.Error(err))
		return
	}
	if users > 0 || chats > 0 {
		metrics.SweptUsers.Add(float64(users))
		metrics.SweptChats.Add(float64(chats))
		logging.Info(ctx, "retention sweep removed expired rows",
			zap.Int64("users", users), zap.Int64("chats", chats))
	}
}

// Jitter returns a random duration in [0, 24h) to add on top of the
// retention base when stamping a remove date.
func Jitter() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(jitterWindow)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
