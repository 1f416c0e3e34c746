package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
)

type jsonPublisher interface {
	PublishJSON(ctx context.Context, body []byte) error
}

// Forward copies bus events to pub until ctx is done.
func Forward(ctx context.Context, bus *Bus, pub jsonPublisher, log *zap.SugaredLogger) {
	log = logx.Or(log)
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			body, err := json.Marshal(e)
			if err != nil {
				log.Warnw("event_marshal_error", "type", e.Type, "error", err)
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := pub.PublishJSON(pctx, body); err != nil {
				log.Warnw("event_publish_error", "type", e.Type, "tenant", e.Tenant, "error", err)
			}
			cancel()
		}
	}
}
