// Package fetcher paginates raw messages out of the upstream bridge for a
// (chat, window) pair, yielding newest-to-oldest batches over a channel.
package fetcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/sym"
)

// Strategy selects how history is walked.
type Strategy string

const (
	// TimeSequential walks history backward via getMsgHistory, anchored by
	// the earliest-seen msgId. Empirically most reliable for private chats.
	TimeSequential Strategy = "TIME_SEQUENTIAL"
	// SeqRange walks getMsgsBySeqRange by decrementing seqStart. Cheaper
	// per call for unfiltered group fetches.
	SeqRange Strategy = "SEQ_RANGE"
	// Hybrid starts with SeqRange and falls back to TimeSequential when a
	// range call comes back empty mid-walk.
	Hybrid Strategy = "HYBRID"
)

// SelectStrategy applies the selection rules in order.
func SelectStrategy(ref bridge.ChatRef, filter Filter) Strategy {
	if ref.ChatType == bridge.ChatPrivate {
		return TimeSequential
	}
	if filter.Constrained() {
		return TimeSequential
	}
	return SeqRange
}

// interCallDelay is the pacing between successful upstream calls, enforced
// with a rate limiter so cancellation interrupts the wait.
const interCallDelay = 100 * time.Millisecond

// Stats are per-instance fetch counters.
type Stats struct {
	CallCount             int64     `json:"callCount"`
	SuccessCount          int64     `json:"successCount"`
	FailureCount          int64     `json:"failureCount"`
	AverageResponseMillis float64   `json:"averageResponseMillis"`
	ConsecutiveFailures   int       `json:"consecutiveFailures"`
	LastCallAt            time.Time `json:"lastCallAt"`
}

// Batch is one yielded page of raw messages, newest-to-oldest, or a
// terminal error.
type Batch struct {
	Messages []bridge.RawMessage
	Err      error
}

// Config bounds a fetcher instance.
type Config struct {
	BatchSize  int
	Timeout    time.Duration
	RetryCount int
}

// Fetcher yields filtered batches for one chat. Not re-entrant: a single
// instance serves a single Fetch call.
type Fetcher struct {
	adapter bridge.Adapter
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	stats   Stats
	started bool
}

// New creates a fetcher around the adapter.
func New(adapter bridge.Adapter, cfg Config, logger *zap.SugaredLogger) *Fetcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	return &Fetcher{
		adapter: adapter,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(interCallDelay), 1),
		logger:  logger,
	}
}

// Stats returns a snapshot of the instance counters.
func (f *Fetcher) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Fetch starts pagination and returns the batch channel. The channel closes
// when the walk terminates; cancellation ends the iterator cleanly without
// an error batch. Calling Fetch twice on one instance is an error.
func (f *Fetcher) Fetch(ctx context.Context, ref bridge.ChatRef, filter Filter) (<-chan Batch, error) {
	if !ref.Valid() {
		return nil, errors.NewInvalidRequestError("invalid chat ref %+v", ref)
	}
	if !filter.Window.ValidWindow() {
		return nil, errors.NewInvalidRequestError("invalid time window %+v", filter.Window)
	}

	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil, errors.New("fetcher is not re-entrant; create a new instance per fetch")
	}
	f.started = true
	f.mu.Unlock()

	out := make(chan Batch, 1)
	strategy := SelectStrategy(ref, filter)
	f.logger.Infow("Fetch starting",
		"symbol", sym.Export,
		"chat_type", ref.ChatType,
		"peer_uid", ref.PeerUid,
		"strategy", strategy,
		"batch_size", f.cfg.BatchSize,
	)

	go func() {
		defer close(out)
		var err error
		switch strategy {
		case SeqRange, Hybrid:
			err = f.runSeqRange(ctx, ref, filter, strategy == Hybrid, out)
		default:
			err = f.runTimeSequential(ctx, ref, filter, out)
		}
		if err != nil && !errors.Is(err, errors.ErrCanceled) {
			out <- Batch{Err: err}
		}
	}()
	return out, nil
}

// anchor is the pagination cursor: id plus ordering keys of the earliest
// message in the previous batch.
type anchor struct {
	msgID   string
	msgSeq  int64
	msgTime int64 // seconds
}

// runTimeSequential walks history backward anchored by the earliest msgId.
func (f *Fetcher) runTimeSequential(ctx context.Context, ref bridge.ChatRef, filter Filter, out chan<- Batch) error {
	var cur anchor
	for {
		if err := ctx.Err(); err != nil {
			return errors.ErrCanceled
		}

		var batch []bridge.RawMessage
		var err error
		if cur.msgID == "" {
			batch, err = f.timed(ctx, func(c context.Context) ([]bridge.RawMessage, error) {
				return f.adapter.GetLatestMessages(c, ref, f.cfg.BatchSize)
			})
		} else {
			anchorID := cur.msgID
			batch, err = f.timed(ctx, func(c context.Context) ([]bridge.RawMessage, error) {
				return f.adapter.GetMessageHistory(c, ref, anchorID, f.cfg.BatchSize)
			})
		}
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		orderNewestFirst(batch)
		next := anchorOf(batch)

		// Loop guard: upstream returned the same head again.
		if cur.msgID != "" && next.msgID == cur.msgID {
			f.logger.Debugw("Pagination loop guard hit", "symbol", sym.Export, "msg_id", next.msgID)
			return nil
		}

		stop, err := f.emit(ctx, filter, batch, next, out)
		if stop || err != nil {
			return err
		}
		cur = next

		if err := f.pace(ctx); err != nil {
			return err
		}
	}
}

// runSeqRange walks by decrementing seqStart. The first latest-messages call
// establishes the top sequence.
func (f *Fetcher) runSeqRange(ctx context.Context, ref bridge.ChatRef, filter Filter, hybrid bool, out chan<- Batch) error {
	head, err := f.timed(ctx, func(c context.Context) ([]bridge.RawMessage, error) {
		return f.adapter.GetLatestMessages(c, ref, f.cfg.BatchSize)
	})
	if err != nil {
		return err
	}
	if len(head) == 0 {
		return nil
	}
	orderNewestFirst(head)
	cur := anchorOf(head)

	if stop, err := f.emit(ctx, filter, head, cur, out); stop || err != nil {
		return err
	}

	seqEnd := cur.msgSeq - 1
	for seqEnd > 0 {
		if err := ctx.Err(); err != nil {
			return errors.ErrCanceled
		}
		if err := f.pace(ctx); err != nil {
			return err
		}

		seqStart := seqEnd - int64(f.cfg.BatchSize) + 1
		if seqStart < 1 {
			seqStart = 1
		}
		start, end := seqStart, seqEnd
		batch, err := f.timed(ctx, func(c context.Context) ([]bridge.RawMessage, error) {
			return f.adapter.GetMessagesBySeqRange(c, ref, start, end)
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			if hybrid {
				// Range walk dried up; hand the cursor to the history walk.
				f.logger.Debugw("Hybrid fallback to history walk", "symbol", sym.Export, "seq_end", seqEnd)
				return f.continueTimeSequential(ctx, ref, filter, cur, out)
			}
			return nil
		}

		orderNewestFirst(batch)
		next := anchorOf(batch)
		if next.msgID == cur.msgID {
			return nil
		}

		stop, err := f.emit(ctx, filter, batch, next, out)
		if stop || err != nil {
			return err
		}
		cur = next
		seqEnd = seqStart - 1
	}
	return nil
}

// continueTimeSequential resumes a history walk from an existing anchor.
func (f *Fetcher) continueTimeSequential(ctx context.Context, ref bridge.ChatRef, filter Filter, cur anchor, out chan<- Batch) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.ErrCanceled
		}
		anchorID := cur.msgID
		batch, err := f.timed(ctx, func(c context.Context) ([]bridge.RawMessage, error) {
			return f.adapter.GetMessageHistory(c, ref, anchorID, f.cfg.BatchSize)
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		orderNewestFirst(batch)
		next := anchorOf(batch)
		if next.msgID == cur.msgID {
			return nil
		}
		stop, err := f.emit(ctx, filter, batch, next, out)
		if stop || err != nil {
			return err
		}
		cur = next
		if err := f.pace(ctx); err != nil {
			return err
		}
	}
}

// emit filters and delivers one raw batch. Returns stop=true when the walk
// has crossed below the window start.
func (f *Fetcher) emit(ctx context.Context, filter Filter, raw []bridge.RawMessage, next anchor, out chan<- Batch) (bool, error) {
	filtered := filter.apply(raw)

	// Early stop (defensive): the filtered batch is empty and the raw tail
	// is already older than the window start.
	window := filter.Window.Normalized()
	if len(filtered) == 0 && window.StartMillis > 0 {
		earliestMillis := bridge.PromoteMillis(next.msgTime)
		if earliestMillis < window.StartMillis {
			return true, nil
		}
	}

	if len(filtered) == 0 {
		return false, nil
	}
	select {
	case out <- Batch{Messages: filtered}:
		return false, nil
	case <-ctx.Done():
		return false, errors.ErrCanceled
	}
}

// pace yields between successful calls so concurrent tasks interleave.
func (f *Fetcher) pace(ctx context.Context) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return errors.ErrCanceled
	}
	return nil
}

// timed wraps one RPC in retry/timeout handling and updates stats.
func (f *Fetcher) timed(ctx context.Context, fn func(context.Context) ([]bridge.RawMessage, error)) ([]bridge.RawMessage, error) {
	started := time.Now()
	batch, err := callWithRetry(ctx, f.cfg.RetryCount, f.cfg.Timeout, fn)
	elapsed := time.Since(started)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.CallCount++
	f.stats.LastCallAt = time.Now()
	if err != nil {
		f.stats.FailureCount++
		f.stats.ConsecutiveFailures++
	} else {
		f.stats.SuccessCount++
		f.stats.ConsecutiveFailures = 0
		// Running average over successful calls only.
		n := float64(f.stats.SuccessCount)
		f.stats.AverageResponseMillis = (f.stats.AverageResponseMillis*(n-1) + float64(elapsed.Milliseconds())) / n
	}
	return batch, err
}

// orderNewestFirst sorts a batch newest-to-oldest by msgTime then msgSeq.
func orderNewestFirst(batch []bridge.RawMessage) {
	sort.SliceStable(batch, func(i, j int) bool {
		ti, tj := batch[i].TimeSeconds(), batch[j].TimeSeconds()
		if ti != tj {
			return ti > tj
		}
		return batch[i].SeqInt() > batch[j].SeqInt()
	})
}

// anchorOf returns the earliest message of a newest-first batch as the next
// pagination anchor.
func anchorOf(batch []bridge.RawMessage) anchor {
	last := batch[len(batch)-1]
	return anchor{msgID: last.MsgID, msgSeq: last.SeqInt(), msgTime: last.TimeSeconds()}
}
