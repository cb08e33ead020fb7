package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/pushcadence/internal/delivery"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/internal/services"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrTooManyFailures = errors.New("consecutive message failures reached the threshold")

// FilterFunc narrows a message's audience and reports how many recipients it
// excluded. Run applies it to every message before the first one is sent, so
// deliveries of this run never count against its own later messages.
type FilterFunc func(ctx context.Context, msg PlannedMessage) (rows []models.AudienceRow, excluded int)

type RunOptions struct {
	ExecutionID   string
	CorrelationID string
	// Test sends ignore delays and use per-execution idempotency keys.
	Test   bool
	Filter FilterFunc
	// OnMessageSent is called after each message with the recipients that
	// were delivered successfully.
	OnMessageSent func(msg PlannedMessage, delivered []string, sentAt time.Time)
}

type MessageResult struct {
	Index      int       `json:"index"`
	LayerID    int       `json:"layerId"`
	Attempted  int       `json:"attempted"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Excluded   int       `json:"excluded"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// AllFailed reports whether every attempted recipient failed.
func (m MessageResult) AllFailed() bool {
	return m.Attempted > 0 && m.Failed == m.Attempted
}

type Result struct {
	Messages []MessageResult
	Sent     int
	Failed   int
	Skipped  int
	Excluded int
	// Err is set when the run stopped before the last message.
	Err error
}

// Run delivers the plan's messages in declared order. Cancellation of ctx is
// observed between messages only; a message that has started always
// completes.
func (e *Executor) Run(ctx context.Context, plan *Plan, opts RunOptions) Result {
	var (
		res         Result
		consecutive int
		prevEnd     time.Time
	)
	log := e.logger.With(
		zap.String("automation_id", plan.AutomationID),
		zap.String("execution_id", opts.ExecutionID),
	)
	excluded := make([]int, len(plan.Messages))
	if opts.Filter != nil {
		plan, excluded = filterPlan(ctx, plan, opts.Filter)
	}

	for i, msg := range plan.Messages {
		if delay := time.Duration(msg.Message.DelayMinutes) * time.Minute; delay > 0 && !opts.Test {
			wait := delay
			if !prevEnd.IsZero() {
				wait = prevEnd.Add(delay).Sub(e.clock.Now())
			}
			if wait > 0 {
				log.Info("waiting before next message",
					zap.Int("message_index", msg.Index),
					zap.Duration("delay", wait),
				)
				select {
				case <-e.clock.After(wait):
				case <-ctx.Done():
					res.Err = context.Cause(ctx)
					log.Warn("sequence stopped during delay", zap.Int("remaining", len(plan.Messages)-i), zap.Error(res.Err))
					return res
				}
			}
		}
		if err := ctx.Err(); err != nil {
			res.Err = context.Cause(ctx)
			log.Warn("sequence stopped before message", zap.Int("message_index", msg.Index), zap.Error(res.Err))
			return res
		}

		mr := e.sendMessage(context.WithoutCancel(ctx), plan, msg, opts, log)
		mr.Excluded = excluded[i]
		prevEnd = mr.FinishedAt
		res.Messages = append(res.Messages, mr)
		res.Sent += mr.Sent
		res.Failed += mr.Failed
		res.Skipped += mr.Skipped
		res.Excluded += mr.Excluded

		if mr.AllFailed() {
			consecutive++
			log.Error("message failed for every recipient",
				zap.Int("message_index", msg.Index),
				zap.Int("consecutive_failures", consecutive),
			)
			if consecutive >= e.opts.FailureThreshold {
				res.Err = fmt.Errorf("%w: %d", ErrTooManyFailures, consecutive)
				log.Error("aborting remaining messages", zap.Int("remaining", len(plan.Messages)-i-1))
				return res
			}
			continue
		}
		consecutive = 0
	}
	return res
}

// filterPlan returns a copy of plan with every message's audience narrowed by
// filter, plus the per-message exclusion counts.
func filterPlan(ctx context.Context, plan *Plan, filter FilterFunc) (*Plan, []int) {
	out := *plan
	out.Messages = make([]PlannedMessage, len(plan.Messages))
	excluded := make([]int, len(plan.Messages))
	for i, msg := range plan.Messages {
		msg.Rows, excluded[i] = filter(ctx, msg)
		out.Messages[i] = msg
	}
	return &out, excluded
}

func (e *Executor) sendMessage(ctx context.Context, plan *Plan, msg PlannedMessage, opts RunOptions, log *zap.Logger) MessageResult {
	mr := MessageResult{Index: msg.Index, LayerID: msg.Message.LayerID, StartedAt: e.clock.Now()}

	rows := msg.Rows
	mr.Attempted = len(rows)

	var (
		mu        sync.Mutex
		delivered = make([]string, 0, len(rows))
	)
	g := new(errgroup.Group)
	g.SetLimit(e.opts.SendConcurrency)
	for _, row := range rows {
		g.Go(func() error {
			push := e.buildPush(plan, msg, row, opts)
			err := e.sender.Send(ctx, push)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				mr.Sent++
				delivered = append(delivered, row.UserID)
			case errors.Is(err, delivery.ErrDuplicate):
				mr.Skipped++
			default:
				mr.Failed++
				log.Warn("push delivery failed",
					zap.Int("message_index", msg.Index),
					zap.String("user_id", row.UserID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	mr.FinishedAt = e.clock.Now()

	log.Info("message delivered",
		zap.Int("message_index", msg.Index),
		zap.Int("layer_id", msg.Message.LayerID),
		zap.Int("attempted", mr.Attempted),
		zap.Int("sent", mr.Sent),
		zap.Int("failed", mr.Failed),
		zap.Int("skipped", mr.Skipped),
	)
	if opts.OnMessageSent != nil && len(delivered) > 0 {
		opts.OnMessageSent(msg, delivered, mr.FinishedAt)
	}
	return mr
}

func (e *Executor) buildPush(plan *Plan, msg PlannedMessage, row models.AudienceRow, opts RunOptions) delivery.Push {
	rendered := Render(msg.Message, row)
	key := delivery.IdempotencyKey(plan.AutomationID, plan.Occurrence, msg.Index, row.UserID)
	if opts.Test {
		key = delivery.TestKey(opts.ExecutionID, msg.Index, row.UserID)
	}
	return delivery.Push{
		IdempotencyKey: key,
		ExecutionID:    opts.ExecutionID,
		AutomationID:   plan.AutomationID,
		MessageIndex:   msg.Index,
		UserID:         row.UserID,
		LayerID:        msg.Message.LayerID,
		Title:          rendered.Title,
		Body:           rendered.Body,
		DeepLink:       rendered.DeepLink,
		Test:           opts.Test,
		CorrelationID:  opts.CorrelationID,
	}
}

// Render fills a message's templates from one audience row.
func Render(msg models.PushMessage, row models.AudienceRow) models.RenderedPush {
	title, _ := services.Render(msg.Title, row.Variables)
	body, _ := services.Render(msg.Body, row.Variables)
	link, _ := services.Render(msg.DeepLink, row.Variables)
	return models.RenderedPush{UserID: row.UserID, Title: title, Body: body, DeepLink: link}
}

// Previews renders up to limit recipients of msg.
func Previews(msg PlannedMessage, limit int) []models.RenderedPush {
	if limit > len(msg.Rows) {
		limit = len(msg.Rows)
	}
	out := make([]models.RenderedPush, 0, limit)
	for _, row := range msg.Rows[:limit] {
		out = append(out, Render(msg.Message, row))
	}
	return out
}
