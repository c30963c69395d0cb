package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/metrics"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/notify"
	"github.com/BTreeMap/TriagePipe/internal/quota"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/BTreeMap/TriagePipe/internal/timing"
)

// ForwardedNote is appended to the conversation when a message is routed to a person.
const ForwardedNote = "Message forwarded to your case manager for review."

// DefaultHistoryLimit bounds how much stored history is loaded per inbound message.
const DefaultHistoryLimit = 50

// Reply outcomes recorded in metrics.
const (
	ReplySent           = "sent"
	ReplyFailed         = "failed"
	ReplyLimitExceeded  = "limit_exceeded"
	ReplyUnknownClient  = "unknown_client"
	ReplyNoChannel      = "no_channel"
	ReplyDelayCancelled = "delay_cancelled"
)

// ErrUnknownClient is returned when an inbound sender matches no client profile.
var ErrUnknownClient = errors.New("no client registered for sender")

// HandlerOpts holds optional collaborators of a TriageHandler.
type HandlerOpts struct {
	Notifier     notify.Notifier
	Metrics      *metrics.TriageMetrics
	Delayer      *timing.Delayer
	HistoryLimit int
	Clock        func() time.Time
}

// HandlerOption configures a TriageHandler.
type HandlerOption func(*HandlerOpts)

// WithNotifier sets the case-manager notifier.
func WithNotifier(n notify.Notifier) HandlerOption {
	return func(o *HandlerOpts) { o.Notifier = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.TriageMetrics) HandlerOption {
	return func(o *HandlerOpts) { o.Metrics = m }
}

// WithReplyDelayer sets the delayer applied before each reply is sent.
func WithReplyDelayer(d *timing.Delayer) HandlerOption {
	return func(o *HandlerOpts) { o.Delayer = d }
}

// WithHistoryLimit sets how many stored messages are loaded per run.
func WithHistoryLimit(n int) HandlerOption {
	return func(o *HandlerOpts) { o.HistoryLimit = n }
}

// WithHandlerClock overrides the time source.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(o *HandlerOpts) { o.Clock = now }
}

// TriageHandler routes inbound client messages through the triage pipeline and acts on the
// resulting decision. Messages of one client are processed one at a time.
type TriageHandler struct {
	svc      Service
	store    store.Store
	pipeline *flow.Pipeline
	quota    quota.Counter
	notifier notify.Notifier
	metrics  *metrics.TriageMetrics
	delayer  *timing.Delayer
	limit    int
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup
}

// NewTriageHandler creates a handler. svc may be nil, in which case replies are recorded but
// not delivered.
func NewTriageHandler(svc Service, st store.Store, pipeline *flow.Pipeline, counter quota.Counter, opts ...HandlerOption) *TriageHandler {
	cfg := HandlerOpts{
		Delayer:      timing.Disabled(),
		HistoryLimit: DefaultHistoryLimit,
		Clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if counter == nil {
		counter = quota.NewMemoryCounter()
	}
	return &TriageHandler{
		svc:      svc,
		store:    st,
		pipeline: pipeline,
		quota:    counter,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		delayer:  cfg.Delayer,
		limit:    cfg.HistoryLimit,
		now:      cfg.Clock,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Start consumes the service's Responses channel until it closes or ctx is cancelled. Each
// message is handled in its own goroutine.
func (h *TriageHandler) Start(ctx context.Context) {
	if h.svc == nil {
		slog.Debug("TriageHandler.Start: no messaging service, inbound loop disabled")
		return
	}
	slog.Info("TriageHandler starting response processing")

	go func() {
		defer slog.Info("TriageHandler stopped response processing")
		for {
			select {
			case response, ok := <-h.svc.Responses():
				if !ok {
					slog.Debug("TriageHandler responses channel closed")
					return
				}
				h.wg.Add(1)
				go func(r models.Response) {
					defer h.wg.Done()
					if _, err := h.HandleInbound(ctx, r); err != nil {
						slog.Error("TriageHandler failed to process response", "error", err, "from", r.From)
					}
				}(response)
			case <-ctx.Done():
				slog.Debug("TriageHandler stopping due to context cancellation")
				return
			}
		}
	}()
}

// Wait blocks until every in-flight message has been handled.
func (h *TriageHandler) Wait() {
	h.wg.Wait()
}

// HandleInbound resolves the sender and processes the message.
func (h *TriageHandler) HandleInbound(ctx context.Context, r models.Response) (models.FinalDecision, error) {
	p, err := h.store.GetClientByPhone(ctx, r.From)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("TriageHandler.HandleInbound: unknown sender", "from", r.From)
			h.metrics.ObserveReply(ReplyUnknownClient)
			return models.FinalDecision{}, fmt.Errorf("%w: %s", ErrUnknownClient, r.From)
		}
		return models.FinalDecision{}, fmt.Errorf("failed to resolve sender %s: %w", r.From, err)
	}
	at := h.now()
	if r.Time > 0 {
		at = time.Unix(r.Time, 0)
	}
	return h.Process(ctx, p, r.Body, at)
}

// Process runs one client message end to end: log it, triage it, persist the outcome, then
// reply or escalate. Every inbound message and every delivered reply counts toward the
// client's weekly total; the pipeline sees the total from before this message.
func (h *TriageHandler) Process(ctx context.Context, p models.ClientProfile, body string, at time.Time) (models.FinalDecision, error) {
	lock := h.clientLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	history, err := h.store.History(ctx, p.ID, h.limit)
	if err != nil {
		return models.FinalDecision{}, err
	}
	if err := h.store.AppendMessage(ctx, p.ID, models.NewMessage(models.SenderClient, body, at)); err != nil {
		return models.FinalDecision{}, err
	}

	count, err := h.quota.Count(ctx, p.ID, h.now())
	if err != nil {
		slog.Warn("TriageHandler.Process: quota read failed", "client", p.ID, "error", err)
		count = 0
	}
	if _, err := h.quota.Increment(ctx, p.ID, h.now()); err != nil {
		slog.Warn("TriageHandler.Process: quota increment failed", "client", p.ID, "error", err)
	}
	if quota.Exceeded(count, h.pipeline.WeeklyLimit()) {
		slog.Info("TriageHandler.Process: weekly message limit reached", "client", p.ID, "count", count)
	}

	d := h.pipeline.ProcessMessage(ctx, flow.Request{
		Message:      body,
		Profile:      p,
		MessageCount: count,
		History:      history,
	})
	h.metrics.ObserveDecision(d)

	id, err := h.store.SaveDecision(ctx, d)
	if err != nil {
		return d, err
	}
	d.ID = id
	for i, item := range d.ActionItems {
		item.ClientID = p.ID
		saved, err := h.store.SaveFollowUp(ctx, item)
		if err != nil {
			slog.Error("TriageHandler.Process: failed to save follow-up", "client", p.ID, "type", item.Type, "error", err)
			continue
		}
		d.ActionItems[i] = saved
	}

	switch d.Action {
	case models.ActionRespond:
		h.reply(ctx, p, body, &d)
	case models.ActionFlag:
		if err := h.store.AppendMessage(ctx, p.ID, models.NewMessage(models.SenderSystem, ForwardedNote, h.now())); err != nil {
			slog.Error("TriageHandler.Process: failed to record forward note", "client", p.ID, "error", err)
		}
	}
	if d.LimitExceeded {
		h.metrics.ObserveReply(ReplyLimitExceeded)
	}
	if d.NotifyCaseManager {
		h.notify(ctx, p, d)
	}

	slog.Info("TriageHandler.Process: message handled", "client", p.ID, "action", d.Action, "decision", d.ID)
	return d, nil
}

func (h *TriageHandler) reply(ctx context.Context, p models.ClientProfile, body string, d *models.FinalDecision) {
	text := d.Reply()
	if text == "" {
		return
	}

	delay, err := h.delayer.Apply(ctx, len(body), flow.Complexity(body))
	if err != nil {
		slog.Warn("TriageHandler.reply: delay interrupted, reply dropped", "client", p.ID, "error", err)
		h.metrics.ObserveReply(ReplyDelayCancelled)
		return
	}
	d.DelaySeconds = delay.Seconds()

	if h.svc == nil {
		h.metrics.ObserveReply(ReplyNoChannel)
	} else {
		if err := h.svc.SendMessage(ctx, p.Phone, text); err != nil {
			slog.Error("TriageHandler.reply: send failed", "client", p.ID, "error", err)
			h.metrics.ObserveReply(ReplyFailed)
			return
		}
		h.metrics.ObserveReply(ReplySent)
	}

	if err := h.store.AppendMessage(ctx, p.ID, models.NewMessage(models.SenderSystem, text, h.now())); err != nil {
		slog.Error("TriageHandler.reply: failed to record reply", "client", p.ID, "error", err)
	}
	if _, err := h.quota.Increment(ctx, p.ID, h.now()); err != nil {
		slog.Warn("TriageHandler.reply: quota increment failed", "client", p.ID, "error", err)
	}
}

func (h *TriageHandler) notify(ctx context.Context, p models.ClientProfile, d models.FinalDecision) {
	if h.notifier == nil {
		return
	}
	err := h.notifier.NotifyCaseManager(ctx, p, d)
	h.metrics.ObserveNotification(err)
	if err != nil {
		slog.Error("TriageHandler.notify: case manager notification failed", "client", p.ID, "error", err)
	}
}

// clientLock returns the mutex serializing one client's conversation.
func (h *TriageHandler) clientLock(clientID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[clientID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[clientID] = l
	}
	return l
}

// SendCheckIn delivers a proactive message and records it in the conversation.
func (h *TriageHandler) SendCheckIn(ctx context.Context, p models.ClientProfile, text string) error {
	lock := h.clientLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	if h.svc != nil {
		if err := h.svc.SendMessage(ctx, p.Phone, text); err != nil {
			h.metrics.ObserveReply(ReplyFailed)
			return fmt.Errorf("failed to send check-in to %s: %w", p.ID, err)
		}
		h.metrics.ObserveReply(ReplySent)
	}
	return h.store.AppendMessage(ctx, p.ID, models.NewMessage(models.SenderSystem, text, h.now()))
}
