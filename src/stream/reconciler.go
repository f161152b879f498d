package stream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/metrics"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// API is the REST surface the reconciler calls. *api.Client satisfies it.
type API interface {
	History(ctx context.Context, page, limit int) ([]types.Message, error)
	Create(ctx context.Context, content string, kind types.MessageKind) (*types.Message, error)
	Edit(ctx context.Context, id int64, content string) (*types.Message, error)
	Delete(ctx context.Context, id int64) error
}

type entryState uint8

const (
	entryLive entryState = iota + 1
	entryDeleted
)

// Reconciler merges history, push events and request results into one
// ordered, de-duplicated message sequence. It is the only writer of that
// sequence.
type Reconciler struct {
	api     API
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	messages []types.Message // sorted by (CreatedAt, ID)
	seen     map[int64]entryState
	sending  bool
	loading  bool

	onChange func([]types.Message)
}

// New creates an empty Reconciler.
func New(api API, logger zerolog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		api:     api,
		logger:  logger.With().Str("component", "stream").Logger(),
		metrics: m,
		seen:    make(map[int64]entryState),
	}
}

// OnChange registers a callback invoked with a snapshot after every visible change.
func (r *Reconciler) OnChange(fn func([]types.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Messages returns a snapshot of the ordered sequence.
func (r *Reconciler) Messages() []types.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Len returns the number of visible messages.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// IsSending reports whether a create request is pending.
func (r *Reconciler) IsSending() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sending
}

// IsLoading reports whether a history request is pending.
func (r *Reconciler) IsLoading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading
}

// HistoryLoaded merges a history batch, skipping ids already known,
// including deleted ones.
func (r *Reconciler) HistoryLoaded(batch []types.Message) {
	r.mu.Lock()
	added := 0
	for _, m := range batch {
		if _, ok := r.seen[m.ID]; ok {
			continue
		}
		r.seen[m.ID] = entryLive
		r.messages = append(r.messages, m)
		added++
	}
	if added > 0 {
		sort.SliceStable(r.messages, func(i, j int) bool {
			return r.messages[i].Less(r.messages[j])
		})
	}
	r.logger.Debug().Int("batch", len(batch)).Int("added", added).Msg("history merged")
	r.notifyUnlock(added > 0)
}

// PushCreated inserts a message unless its id was already seen.
func (r *Reconciler) PushCreated(m types.Message) {
	r.mu.Lock()
	if _, ok := r.seen[m.ID]; ok {
		r.metrics.Push(types.EventNewMessage, metrics.OutcomeDuplicate)
		r.logger.Debug().Int64("id", m.ID).Msg("duplicate create dropped")
		r.mu.Unlock()
		return
	}
	r.seen[m.ID] = entryLive
	i := sort.Search(len(r.messages), func(i int) bool { return m.Less(r.messages[i]) })
	r.messages = append(r.messages, types.Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = m
	r.metrics.Push(types.EventNewMessage, metrics.OutcomeApplied)
	r.notifyUnlock(true)
}

// PushUpdated replaces content and edit metadata of a known message in place.
// Unknown ids are ignored.
func (r *Reconciler) PushUpdated(m types.Message) {
	r.mu.Lock()
	changed := r.applyUpdateLocked(m)
	r.notifyUnlock(changed)
}

// PushDeleted removes a known message. Unknown ids are ignored.
func (r *Reconciler) PushDeleted(id int64) {
	r.mu.Lock()
	changed := r.applyDeleteLocked(id)
	r.notifyUnlock(changed)
}

// Submit validates content and asks the server to create the message. Nothing
// is inserted locally: the confirmed message arrives as a new_message push.
// A second Submit while one is pending returns types.ErrBusy.
func (r *Reconciler) Submit(ctx context.Context, content string, kind types.MessageKind) error {
	if kind == "" {
		kind = types.KindText
	}
	content, err := types.ValidateContent(content, kind)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.sending {
		r.mu.Unlock()
		return types.ErrBusy
	}
	r.sending = true
	r.mu.Unlock()

	created, err := r.api.Create(ctx, content, kind)

	r.mu.Lock()
	r.sending = false
	r.mu.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Msg("create message")
		return requestFailed("create message", err)
	}
	if created != nil {
		r.logger.Debug().Int64("id", created.ID).Msg("message accepted")
	}
	return nil
}

// Edit validates content and updates the message on the server. The response
// is applied like a message_updated push; whichever arrives first wins.
func (r *Reconciler) Edit(ctx context.Context, id int64, content string) error {
	content, err := types.ValidateContent(content, "")
	if err != nil {
		return err
	}
	updated, err := r.api.Edit(ctx, id, content)
	if err != nil {
		r.logger.Error().Err(err).Int64("id", id).Msg("edit message")
		return requestFailed("edit message", err)
	}
	if updated != nil {
		r.PushUpdated(*updated)
	}
	return nil
}

// Remove deletes the message on the server and applies the delete locally.
func (r *Reconciler) Remove(ctx context.Context, id int64) error {
	if err := r.api.Delete(ctx, id); err != nil {
		r.logger.Error().Err(err).Int64("id", id).Msg("delete message")
		return requestFailed("delete message", err)
	}
	r.PushDeleted(id)
	return nil
}

// LoadHistory fetches one page of history and merges it. It returns the
// number of messages the server sent, so callers can tell when older pages
// run out. A concurrent load returns types.ErrBusy.
func (r *Reconciler) LoadHistory(ctx context.Context, page, limit int) (int, error) {
	r.mu.Lock()
	if r.loading {
		r.mu.Unlock()
		return 0, types.ErrBusy
	}
	r.loading = true
	r.mu.Unlock()

	batch, err := r.api.History(ctx, page, limit)

	r.mu.Lock()
	r.loading = false
	r.mu.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Int("page", page).Msg("load history")
		return 0, requestFailed("load history", err)
	}
	r.HistoryLoaded(batch)
	return len(batch), nil
}

func requestFailed(op string, err error) error {
	var rfe *types.RequestFailedError
	if errors.As(err, &rfe) {
		return err
	}
	return &types.RequestFailedError{Op: op, Err: err}
}

func (r *Reconciler) applyUpdateLocked(m types.Message) bool {
	i := r.indexLocked(m.ID)
	if i < 0 {
		r.metrics.Push(types.EventMessageUpdated, metrics.OutcomeUnknown)
		r.logger.Debug().Int64("id", m.ID).Msg("update for unknown id ignored")
		return false
	}
	cur := &r.messages[i]
	if olderEdit(cur.EditedAt, m.EditedAt) {
		r.metrics.Push(types.EventMessageUpdated, metrics.OutcomeStale)
		r.logger.Debug().Int64("id", m.ID).Msg("stale update ignored")
		return false
	}
	if cur.Content == m.Content && cur.Edited == m.Edited && sameTime(cur.EditedAt, m.EditedAt) {
		r.metrics.Push(types.EventMessageUpdated, metrics.OutcomeDuplicate)
		return false
	}
	cur.Content = m.Content
	cur.Edited = m.Edited
	cur.EditedAt = m.EditedAt
	r.metrics.Push(types.EventMessageUpdated, metrics.OutcomeApplied)
	return true
}

// olderEdit reports whether next predates the edit already applied.
func olderEdit(applied, next *time.Time) bool {
	if applied == nil {
		return false
	}
	return next == nil || next.Before(*applied)
}

func (r *Reconciler) applyDeleteLocked(id int64) bool {
	i := r.indexLocked(id)
	if i < 0 {
		r.metrics.Push(types.EventMessageDeleted, metrics.OutcomeUnknown)
		r.logger.Debug().Int64("id", id).Msg("delete for unknown id ignored")
		return false
	}
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
	r.seen[id] = entryDeleted
	r.metrics.Push(types.EventMessageDeleted, metrics.OutcomeApplied)
	return true
}

func (r *Reconciler) indexLocked(id int64) int {
	if r.seen[id] != entryLive {
		return -1
	}
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) snapshotLocked() []types.Message {
	out := make([]types.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// notifyUnlock releases the write lock and fires the change callback if needed.
func (r *Reconciler) notifyUnlock(changed bool) {
	cb := r.onChange
	var snap []types.Message
	if changed && cb != nil {
		snap = r.snapshotLocked()
	}
	r.mu.Unlock()
	if changed && cb != nil {
		cb(snap)
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
