package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/db"
)

const resubscribeDelay = time.Second

// WatchIndexes subscribes to index-set changes. A lost subscription is
// re-established until ctx ends or the store closes.
func (s *Store) WatchIndexes(ctx context.Context) (<-chan db.IndexEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	out := make(chan db.IndexEvent, 16)
	channel := s.keys.indexEvents()
	s.goBackground(func(context.Context) {
		defer close(out)
		defer stop()
		defer cancel()

		for ctx.Err() == nil {
			err := s.client.Receive(ctx, s.b().Subscribe().Channel(channel).Build(), func(msg rueidis.PubSubMessage) {
				var m indexMessage
				if err := json.Unmarshal([]byte(msg.Message), &m); err != nil {
					s.logger.Warn("dropping malformed index event", zap.Error(err))
					return
				}
				ev := db.IndexEvent{Table: m.Table, Indexes: m.Indexes, Dropped: m.Dropped}
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			})
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("index event subscription lost", zap.Error(err))
			select {
			case <-time.After(resubscribeDelay):
			case <-ctx.Done():
			}
		}
	})
	return out, nil
}
