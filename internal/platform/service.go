// Package platform runs the chat export commands against a store: channel
// registration, spam parsing, chat log storage and the read-side reports.
package platform

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/gnasty-spam/internal/comments"
	"github.com/you/gnasty-spam/internal/core"
	"github.com/you/gnasty-spam/internal/filter"
	"github.com/you/gnasty-spam/internal/metrics"
	"github.com/you/gnasty-spam/internal/spam"
	"github.com/you/gnasty-spam/internal/viewership"
)

// Store is the persistence the service needs. *store.Store implements it.
type Store interface {
	InsertChannel(ctx context.Context, ch core.Channel) error
	FindChannel(ctx context.Context, id int64) (core.Channel, error)
	ReplaceMessages(ctx context.Context, scope core.Scope, msgs []core.Message) (int, error)
	Messages(ctx context.Context, scope core.Scope) ([]core.Message, error)
	QueryMessages(ctx context.Context, q filter.Query) ([]core.Message, error)
	ReplaceSpam(ctx context.Context, scope core.Scope, cands []core.SpamCandidate) (int, error)
	Spam(ctx context.Context, scope core.Scope) ([]core.SpamCandidate, error)
}

type Options struct {
	Spam    spam.Options
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	store   Store
	spam    spam.Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[core.Scope]*sync.Mutex
}

func New(store Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		spam:    opts.Spam,
		logger:  logger,
		metrics: opts.Metrics,
		locks:   make(map[core.Scope]*sync.Mutex),
	}
}

// lockScope serializes delete-then-insert writes on one scope so readers in
// the same process never race a replacement.
func (s *Service) lockScope(scope core.Scope) func() {
	s.mu.Lock()
	l, ok := s.locks[scope]
	if !ok {
		l = &sync.Mutex{}
		s.locks[scope] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) track(command string) func(error) {
	start := time.Now()
	return func(err error) {
		s.metrics.ObserveCommand(command, err, time.Since(start))
		if err != nil {
			s.logger.Error("platform: command failed", "command", command, "err", err)
		}
	}
}

// CreateChannel registers a channel and returns the stored row.
func (s *Service) CreateChannel(ctx context.Context, id int64, name string) (ch core.Channel, err error) {
	done := s.track("createchannel")
	defer func() { done(err) }()

	if err = s.store.InsertChannel(ctx, core.Channel{ID: id, Name: name}); err != nil {
		return core.Channel{}, err
	}
	ch, err = s.store.FindChannel(ctx, id)
	if err != nil {
		return core.Channel{}, err
	}
	s.logger.Info("platform: created channel", "id", ch.ID, "name", ch.Name)
	return ch, nil
}

// ParseTopSpam aggregates the export at path and replaces the persisted spam
// candidates of its scope. An empty export stores nothing.
func (s *Service) ParseTopSpam(ctx context.Context, path string) (scope core.Scope, n int, err error) {
	done := s.track("parsetopspam")
	defer func() { done(err) }()

	exp, err := comments.Load(path)
	if err != nil {
		return core.Scope{}, 0, errors.Wrapf(err, "load %s", path)
	}
	scope, ok := exp.Scope()
	if !ok {
		s.logger.Warn("platform: export has no comments", "file", path)
		return core.Scope{}, 0, nil
	}

	cands, err := spam.FromSource(ctx, spam.Static(exp.Messages()), scope, s.spam)
	if err != nil {
		return scope, 0, err
	}
	unlock := s.lockScope(scope)
	n, err = s.store.ReplaceSpam(ctx, scope, cands)
	unlock()
	if err != nil {
		return scope, 0, err
	}
	s.metrics.AddSpamCandidates("export", n)
	s.logger.Info("platform: inserted top spam records",
		"count", n,
		"channel_id", scope.ChannelID,
		"stream_id", scope.StreamID,
		"comments", exp.Len(),
	)
	return scope, n, nil
}

// GetTopSpam returns the persisted candidates of scope in listing order.
func (s *Service) GetTopSpam(ctx context.Context, scope core.Scope) (cands []core.SpamCandidate, err error) {
	done := s.track("gettopspam")
	defer func() { done(err) }()

	cands, err = s.store.Spam(ctx, scope)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("platform: loaded top spam", "scope", scope.String(), "count", len(cands))
	return cands, nil
}

// StoreChatLog replaces the stored chat log of the export's scope with the
// export's messages.
func (s *Service) StoreChatLog(ctx context.Context, path string) (scope core.Scope, n int, err error) {
	done := s.track("storechatlog")
	defer func() { done(err) }()

	exp, err := comments.Load(path)
	if err != nil {
		return core.Scope{}, 0, errors.Wrapf(err, "load %s", path)
	}
	scope, ok := exp.Scope()
	if !ok {
		s.logger.Warn("platform: export has no comments", "file", path)
		return core.Scope{}, 0, nil
	}

	if bad := exp.InvalidTimes(); bad > 0 {
		s.logger.Warn("platform: comments with unparseable created_at",
			"file", path,
			"count", bad,
			"channel_id", scope.ChannelID,
			"stream_id", scope.StreamID,
		)
	}

	unlock := s.lockScope(scope)
	n, err = s.store.ReplaceMessages(ctx, scope, exp.Messages())
	unlock()
	if err != nil {
		return scope, 0, err
	}
	s.metrics.AddMessagesStored(n)
	s.logger.Info("platform: inserted chat log records",
		"count", n,
		"channel_id", scope.ChannelID,
		"stream_id", scope.StreamID,
	)
	return scope, n, nil
}

// QueryChatLog returns stored messages matching every filter expression.
func (s *Service) QueryChatLog(ctx context.Context, exprs []string) (msgs []core.Message, err error) {
	done := s.track("querychatlog")
	defer func() { done(err) }()

	q, err := filter.Parse(exprs)
	if err != nil {
		s.metrics.IncInvalidFilters()
		return nil, err
	}
	msgs, err = s.store.QueryMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("platform: queried chat log", "filters", len(q.Predicates), "matches", len(msgs))
	return msgs, nil
}

// TopSpamFromLog computes spam candidates from the stored chat log of scope
// without persisting them.
func (s *Service) TopSpamFromLog(ctx context.Context, scope core.Scope) (cands []core.SpamCandidate, err error) {
	done := s.track("gettopspam2")
	defer func() { done(err) }()

	cands, err = spam.FromSource(ctx, s.store, scope, s.spam)
	if err != nil {
		return nil, err
	}
	// Listings read the same way as the persisted ranking regardless of the
	// parse order option.
	spam.SortForListing(cands)
	s.metrics.AddSpamCandidates("log", len(cands))
	return cands, nil
}

// Viewership buckets the stored chat log of scope into per-minute counts.
func (s *Service) Viewership(ctx context.Context, scope core.Scope) (out []core.Viewership, err error) {
	done := s.track("viewership")
	defer func() { done(err) }()

	msgs, err := s.store.Messages(ctx, scope)
	if err != nil {
		return nil, err
	}
	out = viewership.Build(scope, msgs)
	if len(out) > 0 {
		s.logger.Debug("platform: built viewership", "scope", scope.String(), "minutes", len(out[0].PerMinute))
	}
	return out, nil
}
