// Package outbox turns state-changing API calls into durable, idempotent
// operations and delivers them with retry. Reads are served from the local
// store when it has data.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/wire"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// SelfSenderID is the sender of optimistic messages until the server
// assigns the real one.
const SelfSenderID = "__self__"

// IdempotencyPrefix prefixes the client id to form the idempotency key.
const IdempotencyPrefix = "sdk-"

// Network reports whether the remote service is believed reachable.
type Network interface {
	Online() bool
}

// OnlineFunc adapts a function to Network.
type OnlineFunc func() bool

func (f OnlineFunc) Online() bool { return f() }

// Dispatcher routes API calls: writes are queued with an optimistic local
// effect, reads are served from the local store or fetched and cached.
type Dispatcher struct {
	store      store.Storage
	remote     remote.Requester
	bus        *bus.Bus
	net        Network
	flusher    *Flusher
	maxRetries int
	logger     *zap.Logger

	newID func() string
	now   func() time.Time
}

// NewDispatcher creates a Dispatcher. Writes dispatched while online kick
// flusher; maxRetries bounds transient retries of each operation.
func NewDispatcher(st store.Storage, rq remote.Requester, b *bus.Bus, net Network, flusher *Flusher, maxRetries int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Dispatcher{
		store:      st,
		remote:     rq,
		bus:        b,
		net:        net,
		flusher:    flusher,
		maxRetries: maxRetries,
		logger:     logger,
		newID:      uuid.NewString,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch performs one API call through the offline layer. Writes return
// an optimistic result without touching the network.
func (d *Dispatcher) Dispatch(ctx context.Context, method, path string, body any, query map[string]string) (*remote.Result, error) {
	if op, ok := Classify(method, path); ok {
		return d.dispatchWrite(ctx, op, method, path, body, query)
	}

	get := strings.EqualFold(method, "GET")
	if get {
		cached, err := d.readCache(ctx, path, query)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	res, err := d.remote.Do(ctx, method, path, body, query)
	if err != nil {
		if !d.net.Online() {
			d.logger.Debug("offline read degraded to empty result", zap.String("path", path), zap.Error(err))
			return &remote.Result{OK: true, Data: json.RawMessage(`[]`)}, nil
		}
		return nil, err
	}
	if get {
		d.populateCache(ctx, path, res)
	}
	return res, nil
}

func (d *Dispatcher) dispatchWrite(ctx context.Context, opType store.OpType, method, path string, body any, query map[string]string) (*remote.Result, error) {
	typed, err := DecodeBody(opType, body)
	if err != nil {
		return nil, err
	}

	clientID := d.newID()
	key := IdempotencyPrefix + clientID
	encoded, err := json.Marshal(typed.withIdempotencyKey(key))
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	now := d.now()
	op := &store.OutboxOperation{
		ID:             clientID,
		OpType:         opType,
		Method:         strings.ToUpper(method),
		Path:           path,
		Body:           encoded,
		Query:          query,
		Status:         store.OutboxPending,
		CreatedAt:      now,
		MaxRetries:     d.maxRetries,
		IdempotencyKey: key,
	}

	var (
		data  any
		local *store.Message
	)
	err = store.Update(ctx, d.store, func() error {
		var (
			undo func(context.Context) error
			err  error
		)
		data, local, undo, err = d.applyOptimistic(ctx, op, typed, now)
		if err != nil {
			return err
		}
		if err := d.store.Enqueue(ctx, op); err != nil {
			if undo != nil {
				if uerr := undo(context.WithoutCancel(ctx)); uerr != nil {
					d.logger.Error("failed to undo optimistic write", zap.String("op_id", op.ID), zap.Error(uerr))
				}
			}
			return fmt.Errorf("enqueue %s: %w", opType, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Debug("write queued", zap.String("op_id", op.ID), zap.String("type", string(opType)))
	if local != nil {
		d.bus.Emit(bus.KindMessageLocal, local)
	}

	if d.net.Online() && d.flusher != nil {
		d.flusher.Trigger()
	}
	if data == nil {
		return &remote.Result{OK: true}, nil
	}
	return remote.OKResult(data)
}

// applyOptimistic writes the local effect of op before it is queued. It
// returns the data of the optimistic result, the optimistic message for
// sends, and a func restoring the previous local state.
func (d *Dispatcher) applyOptimistic(ctx context.Context, op *store.OutboxOperation, body Body, now time.Time) (any, *store.Message, func(context.Context) error, error) {
	switch b := body.(type) {
	case SendBody:
		msgType := b.Type
		if msgType == "" {
			msgType = "text"
		}
		local := &store.Message{
			ID:             store.LocalMessageID(op.ID),
			ClientID:       op.ID,
			ConversationID: ConversationID(op.Path),
			Content:        b.Content,
			Type:           msgType,
			SenderID:       SelfSenderID,
			ParentID:       b.ParentID,
			Status:         store.MessagePending,
			Metadata:       b.Metadata,
			CreatedAt:      now,
		}
		if err := d.store.PutMessages(ctx, []*store.Message{local}); err != nil {
			return nil, nil, nil, fmt.Errorf("store optimistic message: %w", err)
		}
		op.LocalID = local.ID
		undo := func(ctx context.Context) error { return d.store.DeleteMessage(ctx, local.ID) }
		return map[string]any{"conversationId": local.ConversationID, "message": local}, local, undo, nil

	case EditBody:
		id := targetMessageID(op.Path)
		m, err := d.store.GetMessage(ctx, id)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load message %q: %w", id, err)
		}
		if m == nil {
			return nil, nil, nil, nil
		}
		prev := *m
		m.Content = b.Content
		m.Status = store.MessagePending
		m.UpdatedAt = now
		if err := d.store.PutMessages(ctx, []*store.Message{m}); err != nil {
			return nil, nil, nil, fmt.Errorf("store optimistic edit: %w", err)
		}
		op.LocalID = m.ID
		undo := func(ctx context.Context) error { return d.store.PutMessages(ctx, []*store.Message{&prev}) }
		return map[string]any{"message": m}, nil, undo, nil

	case ReadBody:
		convID := ConversationID(op.Path)
		c, err := d.store.GetConversation(ctx, convID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load conversation %q: %w", convID, err)
		}
		if c != nil && c.UnreadCount != 0 {
			prev := *c
			c.UnreadCount = 0
			if err := d.store.PutConversations(ctx, []*store.Conversation{c}); err != nil {
				return nil, nil, nil, fmt.Errorf("store optimistic read: %w", err)
			}
			undo := func(ctx context.Context) error { return d.store.PutConversations(ctx, []*store.Conversation{&prev}) }
			return nil, nil, undo, nil
		}
	}
	return nil, nil, nil, nil
}

// SearchMessages searches stored message content.
func (d *Dispatcher) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]*store.Message, error) {
	s, ok := d.store.(store.Searcher)
	if !ok {
		return nil, fmt.Errorf("search messages: %w", errors.ErrUnsupported)
	}
	if limit <= 0 {
		limit = 50
	}
	return s.SearchMessages(ctx, query, conversationID, limit)
}

// ── Read cache ───────────────────────────────────────────

var (
	conversationsPath = regexp.MustCompile(`/conversations$`)
	messagesPath      = regexp.MustCompile(`/messages/([^/]+)$`)
	contactsPath      = regexp.MustCompile(`/contacts$`)
)

// readCache returns nil on a miss.
func (d *Dispatcher) readCache(ctx context.Context, path string, query map[string]string) (*remote.Result, error) {
	var (
		data any
		hit  bool
	)
	switch {
	case conversationsPath.MatchString(path):
		convs, err := d.store.GetConversations(ctx, store.ConversationQuery{
			Limit:  intParam(query, "limit", 50),
			Offset: intParam(query, "offset", 0),
		})
		if err != nil {
			return nil, fmt.Errorf("read cached conversations: %w", err)
		}
		data, hit = convs, len(convs) > 0

	case messagesPath.MatchString(path):
		convID := messagesPath.FindStringSubmatch(path)[1]
		msgs, err := d.store.GetMessages(ctx, convID, store.MessageQuery{
			Limit:  intParam(query, "limit", 50),
			Before: timeParam(query, "before"),
		})
		if err != nil {
			return nil, fmt.Errorf("read cached messages: %w", err)
		}
		data, hit = msgs, len(msgs) > 0

	case contactsPath.MatchString(path):
		contacts, err := d.store.GetContacts(ctx)
		if err != nil {
			return nil, fmt.Errorf("read cached contacts: %w", err)
		}
		data, hit = contacts, len(contacts) > 0
	}
	if !hit {
		return nil, nil
	}
	return remote.OKResult(data)
}

// populateCache writes a successful read through to the store. Rows the
// sync stream already owns (a sequence number, or a pending local change)
// are left alone. Failures are logged and dropped.
func (d *Dispatcher) populateCache(ctx context.Context, path string, res *remote.Result) {
	if res == nil || !res.OK || len(res.Data) == 0 {
		return
	}
	var err error
	switch {
	case conversationsPath.MatchString(path):
		if convs := wire.ParseConversations(res.Data); len(convs) > 0 {
			err = store.Update(ctx, d.store, func() error { return d.cacheConversations(ctx, convs) })
		}
	case messagesPath.MatchString(path):
		convID := messagesPath.FindStringSubmatch(path)[1]
		if msgs := wire.ParseMessages(res.Data, convID); len(msgs) > 0 {
			err = store.Update(ctx, d.store, func() error { return d.cacheMessages(ctx, msgs) })
		}
	case contactsPath.MatchString(path):
		if gjson.ParseBytes(res.Data).IsArray() || gjson.GetBytes(res.Data, "contacts").IsArray() {
			err = d.store.PutContacts(ctx, wire.ParseContacts(res.Data))
		}
	}
	if err != nil {
		d.logger.Warn("cache population failed", zap.String("path", path), zap.Error(err))
	}
}

func (d *Dispatcher) cacheConversations(ctx context.Context, convs []*store.Conversation) error {
	fresh := convs[:0:0]
	for _, c := range convs {
		existing, err := d.store.GetConversation(ctx, c.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.SyncSeq > 0 {
			continue
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return nil
	}
	return d.store.PutConversations(ctx, fresh)
}

func (d *Dispatcher) cacheMessages(ctx context.Context, msgs []*store.Message) error {
	fresh := msgs[:0:0]
	for _, m := range msgs {
		existing, err := d.store.GetMessage(ctx, m.ID)
		if err != nil {
			return err
		}
		if existing != nil && (existing.SyncSeq > 0 || existing.Status != store.MessageConfirmed) {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return nil
	}
	return d.store.PutMessages(ctx, fresh)
}

func intParam(query map[string]string, key string, fallback int) int {
	if n, err := strconv.Atoi(query[key]); err == nil && n > 0 {
		return n
	}
	return fallback
}

func timeParam(query map[string]string, key string) time.Time {
	v, ok := query[key]
	if !ok || v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
