package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/wire"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// FlusherConfig tunes the flush loop.
type FlusherConfig struct {
	BatchSize  int
	Interval   time.Duration
	Classifier Classifier
}

// Stats summarizes one flush pass.
type Stats struct {
	// Skipped is set when another pass was running or the network is down.
	Skipped   bool `json:"skipped,omitempty"`
	Confirmed int  `json:"confirmed"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
}

// Flusher drains the outbox and delivers operations to the remote service.
type Flusher struct {
	store      store.Storage
	remote     remote.Requester
	bus        *bus.Bus
	net        Network
	classifier Classifier
	batch      int
	interval   time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	flushing bool
	cancel   context.CancelFunc
	done     chan struct{}
	kick     chan struct{}
}

// NewFlusher creates a new outbox flusher.
func NewFlusher(st store.Storage, rq remote.Requester, b *bus.Bus, net Network, cfg FlusherConfig, logger *zap.Logger) *Flusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Flusher{
		store:      st,
		remote:     rq,
		bus:        b,
		net:        net,
		classifier: cfg.Classifier,
		batch:      cfg.BatchSize,
		interval:   cfg.Interval,
		logger:     logger,
		kick:       make(chan struct{}, 1),
	}
}

// Start begins flushing on every tick and on every Trigger.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.loop(ctx, f.done)
}

// Stop stops the flush loop and waits for an in-progress pass to return.
// It is safe to call more than once.
func (f *Flusher) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Trigger requests a pass as soon as possible without waiting for it.
func (f *Flusher) Trigger() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

func (f *Flusher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-f.kick:
		case <-ctx.Done():
			return
		}
		if _, err := f.Flush(ctx); err != nil && ctx.Err() == nil {
			f.logger.Error("outbox flush failed", zap.Error(err))
		}
	}
}

// Flush runs one pass over up to one batch of ready operations. A call made
// while another pass runs, or while offline, returns immediately with
// Stats.Skipped set.
func (f *Flusher) Flush(ctx context.Context) (Stats, error) {
	f.mu.Lock()
	if f.flushing || !f.net.Online() {
		f.mu.Unlock()
		return Stats{Skipped: true}, nil
	}
	f.flushing = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.flushing = false
		f.mu.Unlock()
	}()

	var stats Stats
	ops, err := f.store.DequeueReady(ctx, f.batch)
	if err != nil {
		return stats, fmt.Errorf("dequeue outbox: %w", err)
	}

	for i, op := range ops {
		if ctx.Err() != nil {
			f.requeue(ctx, ops[i:])
			return stats, ctx.Err()
		}
		if err := f.send(ctx, op, &stats); err != nil {
			f.requeue(ctx, ops[i+1:])
			return stats, err
		}
	}
	return stats, nil
}

// requeue returns dequeued but unsent operations to pending without
// charging them a retry.
func (f *Flusher) requeue(ctx context.Context, ops []*store.OutboxOperation) {
	ctx = context.WithoutCancel(ctx)
	for _, op := range ops {
		if err := f.store.Nack(ctx, op.ID, op.LastError, op.Retries); err != nil {
			f.logger.Error("failed to requeue operation", zap.String("op_id", op.ID), zap.Error(err))
		}
	}
}

func (f *Flusher) send(ctx context.Context, op *store.OutboxOperation, stats *Stats) error {
	f.bus.Emit(bus.KindOutboxSending, SendingEvent{OpID: op.ID, Type: op.OpType})

	var body any
	if len(op.Body) > 0 {
		body = op.Body
	}
	res, err := f.remote.Do(ctx, op.Method, op.Path, body, op.Query)
	switch {
	case err != nil && ctx.Err() != nil:
		f.requeue(ctx, []*store.OutboxOperation{op})
		return nil
	case err != nil:
		return f.fail(ctx, op, err.Error(), Transient, stats)
	case res.OK:
		return f.confirm(ctx, op, res, stats)
	default:
		msg := "request failed"
		if res.Error != nil {
			msg = res.Error.Error()
		}
		return f.fail(ctx, op, msg, f.classifier.Classify(res.Error), stats)
	}
}

func (f *Flusher) fail(ctx context.Context, op *store.OutboxOperation, msg string, class Class, stats *Stats) error {
	retries := op.Retries + 1
	if class == Permanent && retries < op.MaxRetries {
		retries = op.MaxRetries
	}
	if err := f.store.Nack(ctx, op.ID, msg, retries); err != nil {
		return fmt.Errorf("nack %s: %w", op.ID, err)
	}

	left := max(op.MaxRetries-retries, 0)
	f.bus.Emit(bus.KindOutboxFailed, FailedEvent{
		OpID:        op.ID,
		Error:       msg,
		RetriesLeft: left,
		Permanent:   class == Permanent,
	})
	if left > 0 {
		stats.Retried++
		f.logger.Info("operation will retry", zap.String("op_id", op.ID), zap.Int("attempt", retries), zap.String("error", msg))
		return nil
	}

	stats.Failed++
	f.logger.Warn("operation failed", zap.String("op_id", op.ID), zap.String("class", class.String()), zap.String("error", msg))
	if op.LocalID != "" && (op.OpType == store.OpMessageSend || op.OpType == store.OpMessageEdit) {
		err := store.Update(ctx, f.store, func() error {
			return f.setLocalStatus(ctx, op.LocalID, store.MessageFailed)
		})
		if err != nil {
			return err
		}
	}
	if op.OpType == store.OpMessageSend {
		f.bus.Emit(bus.KindMessageFailed, MessageFailedEvent{ClientID: op.ID, Error: msg})
	}
	return nil
}

// confirm applies the server's answer locally and only then acks the
// operation. When the apply fails the operation goes back to the outbox as a
// transient failure; the idempotency key makes the resend safe.
func (f *Flusher) confirm(ctx context.Context, op *store.OutboxOperation, res *remote.Result, stats *Stats) error {
	var confirmedMsg *MessageConfirmedEvent
	err := store.Update(ctx, f.store, func() error {
		switch op.OpType {
		case store.OpMessageSend:
			var err error
			confirmedMsg, err = f.confirmSend(ctx, op, res)
			return err
		case store.OpMessageEdit:
			if op.LocalID != "" {
				return f.setLocalStatus(ctx, op.LocalID, store.MessageConfirmed)
			}
		case store.OpMessageDelete:
			if id := targetMessageID(op.Path); id != "" {
				return f.store.DeleteMessage(ctx, id)
			}
		}
		return nil
	})
	if err != nil {
		f.logger.Error("apply confirmation failed", zap.String("op_id", op.ID), zap.Error(err))
		return f.fail(ctx, op, "apply confirmation: "+err.Error(), Transient, stats)
	}

	if err := f.store.Ack(ctx, op.ID); err != nil {
		return fmt.Errorf("ack %s: %w", op.ID, err)
	}
	stats.Confirmed++

	f.logger.Info("operation confirmed", zap.String("op_id", op.ID), zap.String("type", string(op.OpType)))
	f.bus.Emit(bus.KindOutboxConfirmed, ConfirmedEvent{OpID: op.ID})
	if confirmedMsg != nil {
		f.bus.Emit(bus.KindMessageConfirmed, *confirmedMsg)
	}
	return nil
}

// confirmSend swaps the optimistic message for the server's copy. Without
// a server copy in the reply the optimistic message is only marked sent and
// no event is returned.
func (f *Flusher) confirmSend(ctx context.Context, op *store.OutboxOperation, res *remote.Result) (*MessageConfirmedEvent, error) {
	localID := op.LocalID
	if localID == "" {
		localID = store.LocalMessageID(op.ID)
	}
	local, err := f.store.GetMessage(ctx, localID)
	if err != nil {
		return nil, err
	}

	sm := gjson.GetBytes(res.Data, "message")
	var (
		convID string
		at     = time.Now().UTC()
	)
	if local != nil {
		convID, at = local.ConversationID, local.CreatedAt
	}
	confirmed := wire.ParseMessage(sm, convID, at)
	if confirmed == nil {
		if local == nil {
			return nil, nil
		}
		return nil, f.setLocalStatus(ctx, localID, store.MessageSent)
	}

	confirmed.ClientID = op.ID
	event := &MessageConfirmedEvent{
		ClientID:      op.ID,
		ServerMessage: json.RawMessage(sm.Raw),
	}

	// Sync may have stored the server row first. A row carrying a sequence
	// number is newer than the reply, so only the optimistic copy goes.
	current, err := f.store.GetMessage(ctx, confirmed.ID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.SyncSeq > 0 {
		current.ClientID = op.ID
		if err := store.ReplaceMessage(ctx, f.store, localID, current); err != nil {
			return nil, err
		}
		return event, nil
	}

	if local != nil {
		if !sm.Get("content").Exists() {
			confirmed.Content = local.Content
		}
		if !sm.Get("type").Exists() {
			confirmed.Type = local.Type
		}
		if confirmed.ParentID == "" {
			confirmed.ParentID = local.ParentID
		}
	}
	if err := store.ReplaceMessage(ctx, f.store, localID, confirmed); err != nil {
		return nil, err
	}
	return event, nil
}

func (f *Flusher) setLocalStatus(ctx context.Context, id string, status store.MessageStatus) error {
	m, err := f.store.GetMessage(ctx, id)
	if err != nil || m == nil {
		return err
	}
	m.Status = status
	return f.store.PutMessages(ctx, []*store.Message{m})
}
