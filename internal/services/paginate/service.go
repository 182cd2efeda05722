package paginate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"marchive/internal/domain"
	"marchive/internal/homeserver"
)

// ErrRetriesExhausted is returned when a batch request keeps failing past
// the retry budget.
var ErrRetriesExhausted = errors.New("paginate: retry budget exhausted")

// Policy is the retry/backoff configuration. The curve is an operational
// choice, so it is injected rather than hard-coded.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      int
	BatchLimit      int
}

// DefaultPolicy returns the defaults used by the CLI.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxRetries:      7,
		BatchLimit:      500,
	}
}

// Service walks a room's timeline backward in batches.
type Service struct {
	hs     domain.Homeserver
	policy Policy
	log    zerolog.Logger
}

// New constructs a pagination engine over the given homeserver.
func New(hs domain.Homeserver, policy Policy, log zerolog.Logger) *Service {
	return &Service{hs: hs, policy: policy, log: log}
}

// Paginate fetches batches from cursor toward the start of history, calling
// fn for each non-empty batch in arrival order (newest first). fn errors
// abort the walk. Cancellation is checked between batches so a batch is
// never handed over half-processed.
func (s *Service) Paginate(ctx context.Context, room domain.RoomID, from domain.Cursor, fn func(domain.Batch) error) error {
	cursor := from
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.fetch(ctx, room, cursor)
		if err != nil {
			return err
		}
		if len(batch.Events) == 0 {
			s.log.Debug().Str("room", room.String()).Msg("reached start of history")
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if batch.Next == "" {
			return nil
		}
		cursor = batch.Next
	}
}

// fetch requests one batch, retrying transient failures.
func (s *Service) fetch(ctx context.Context, room domain.RoomID, from domain.Cursor) (domain.Batch, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.policy.InitialInterval
	bo.MaxInterval = s.policy.MaxInterval
	bo.Multiplier = s.policy.Multiplier
	bo.MaxElapsedTime = 0 // the attempt count is the budget
	bo.Reset()

	for attempt := 0; ; attempt++ {
		batch, err := s.hs.Messages(ctx, room, from, s.policy.BatchLimit)
		if err == nil {
			return batch, nil
		}
		if !homeserver.IsRetryable(err) {
			return domain.Batch{}, fmt.Errorf("paginate room %s at cursor %s: %w", room, from, err)
		}
		if attempt >= s.policy.MaxRetries {
			return domain.Batch{}, fmt.Errorf("%w: room %s cursor %s: %v", ErrRetriesExhausted, room, from, err)
		}

		wait := bo.NextBackOff()
		var rl *homeserver.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			wait = rl.RetryAfter
		}
		s.log.Warn().Str("room", room.String()).Int("attempt", attempt+1).
			Dur("wait", wait).Err(err).Msg("batch request failed, retrying")

		select {
		case <-ctx.Done():
			return domain.Batch{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}
