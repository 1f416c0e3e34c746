package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/princeshiamofficial/portal-sub000/internal/dispatch"
	"github.com/princeshiamofficial/portal-sub000/internal/engine"
	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
	"github.com/princeshiamofficial/portal-sub000/pkg/metrics"
	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

const maxRetries = 3

type Starter interface {
	StartBroadcast(ctx context.Context, tenant, templateID string) (*dispatch.Run, error)
}

type Consumer interface {
	Consume() (<-chan amqp.Delivery, error)
}

type Requeuer interface {
	PublishJSONWithHeaders(ctx context.Context, body []byte, headers amqp.Table) error
}

// Worker turns queued broadcast commands into dispatcher runs. Commands that
// hit a busy tenant or a session that is not ready are republished with an
// x-retries header and exponential backoff.
type Worker struct {
	Engine Starter
	Cons   Consumer
	Pub    Requeuer
	Queue  string
}

func New(e Starter, cons Consumer, pub Requeuer, queue string) *Worker {
	return &Worker{Engine: e, Cons: cons, Pub: pub, Queue: queue}
}

func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.Cons.Consume()
	if err != nil {
		return err
	}
	logx.L().Infow("worker_started", "queue", w.Queue)

	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("worker_stopping")
			return ctx.Err()

		case d, ok := <-msgs:
			if !ok {
				logx.L().Warnw("consumer_channel_closed")
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	metrics.WorkerJobsConsumed.Inc()

	var cmd model.BroadcastCommand
	if err := json.Unmarshal(d.Body, &cmd); err != nil || cmd.Tenant == "" || cmd.TemplateID == "" {
		logx.L().Warnw("command_invalid", "error", err, "body", string(d.Body))
		_ = d.Ack(false)
		return
	}
	fields := []any{"tenant", cmd.Tenant, "template_id", cmd.TemplateID}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	run, err := w.Engine.StartBroadcast(startCtx, cmd.Tenant, cmd.TemplateID)
	cancel()

	if err == nil {
		logx.L().Infow("command_started", append(fields, "run_id", run.ID)...)
		_ = d.Ack(false)
		return
	}
	if permanent(err) {
		logx.L().Warnw("command_rejected", append(fields, "error", err)...)
		_ = d.Ack(false)
		return
	}

	retries := headerRetries(d.Headers)
	if retries >= maxRetries {
		logx.L().Warnw("drop_after_retries", append(fields, "retries", retries, "error", err)...)
		_ = d.Ack(false)
		return
	}

	delay := backoffDelay(retries + 1)
	metrics.WorkerJobRetries.Inc()
	logx.L().Infow("retry_requeue", append(fields, "retries", retries+1, "delay", delay.String(), "error", err)...)
	if err := w.requeueMessage(ctx, d, retries+1, delay); err != nil {
		logx.L().Errorw("retry_publish_error", append(fields, "retries", retries+1, "error", err)...)
		_ = d.Nack(false, true)
	}
}

// permanent errors will not go away by retrying the same command.
func permanent(err error) bool {
	return errors.Is(err, engine.ErrTemplateNotFound) ||
		errors.Is(err, dispatch.ErrEmptyRecipients)
}

func (w *Worker) requeueMessage(ctx context.Context, d amqp.Delivery, retries int, delay time.Duration) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	headers := copyHeaders(d.Headers)
	setHeaderRetries(&headers, retries)

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.Pub.PublishJSONWithHeaders(pubCtx, d.Body, headers); err != nil {
		return err
	}

	return d.Ack(false)
}

func headerRetries(h amqp.Table) int {
	if h == nil {
		return 0
	}
	if v, ok := h["x-retries"]; ok {
		switch t := v.(type) {
		case int32:
			return int(t)
		case int64:
			return int(t)
		case int:
			return t
		case uint8:
			return int(t)
		}
	}
	return 0
}

func setHeaderRetries(h *amqp.Table, n int) {
	if *h == nil {
		*h = amqp.Table{}
	}
	(*h)["x-retries"] = int32(n)
}

// backoffDelay is 1s, 2s, 4s... for the nth retry.
func backoffDelay(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	sec := math.Pow(2, float64(retries-1))
	return time.Duration(sec) * time.Second
}

func copyHeaders(h amqp.Table) amqp.Table {
	if h == nil {
		return amqp.Table{}
	}
	dup := make(amqp.Table, len(h))
	for k, v := range h {
		dup[k] = v
	}
	return dup
}
