package resource

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/parser"
	"github.com/quenlab/qce/sym"
)

// Persister stores resource records. Nil persisters are allowed; the
// handler then keeps records in memory only.
type Persister interface {
	UpsertResource(ctx context.Context, info *Info) error
}

// Config bounds one handler instance.
type Config struct {
	MaxConcurrent       int
	DownloadTimeout     time.Duration
	MaxRetries          int
	HealthCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Minute
	}
	return c
}

// Handler downloads and verifies the media behind parsed messages for one
// chat. Download failures never propagate as task failures; they are
// recorded on the Info.
type Handler struct {
	adapter bridge.Adapter
	ref     bridge.ChatRef
	store   *Store
	persist Persister
	breaker *Breaker
	queue   *downloadQueue
	http    *http.Client
	logger  *zap.SugaredLogger
	cfg     Config

	mu    sync.Mutex
	byKey map[string]*Info
	byMsg map[string][]*Info

	pending sync.WaitGroup
	started sync.Once
	done    chan struct{}
}

// NewHandler creates a handler for one chat backed by the given store.
func NewHandler(adapter bridge.Adapter, ref bridge.ChatRef, store *Store, persist Persister, cfg Config, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		adapter: adapter,
		ref:     ref,
		store:   store,
		persist: persist,
		breaker: NewBreaker(logger),
		queue:   newDownloadQueue(),
		http:    &http.Client{Timeout: cfg.withDefaults().DownloadTimeout},
		logger:  logger,
		cfg:     cfg.withDefaults(),
		byKey:   make(map[string]*Info),
		byMsg:   make(map[string][]*Info),
		done:    make(chan struct{}),
	}
}

// Breaker exposes the circuit for observability.
func (h *Handler) Breaker() *Breaker { return h.breaker }

// Process discovers the resources in a parsed batch, deduplicates by key,
// and queues downloads. Returns the per-message resource map; records are
// shared, so later status updates are visible through it.
func (h *Handler) Process(ctx context.Context, batch []parser.ParsedMessage) map[string][]*Info {
	h.start(ctx)

	out := make(map[string][]*Info)
	h.mu.Lock()
	defer h.mu.Unlock()
	for mi := range batch {
		msg := &batch[mi]
		for ri := range msg.Content.Resources {
			res := &msg.Content.Resources[ri]
			info := infoFromParsed(res)
			key := info.Key()
			existing, seen := h.byKey[key]
			if seen {
				info = existing
			} else {
				h.byKey[key] = info
				h.enqueue(info, res)
			}
			h.byMsg[msg.MessageID] = append(h.byMsg[msg.MessageID], info)
			out[msg.MessageID] = append(out[msg.MessageID], info)
		}
	}
	return out
}

func (h *Handler) enqueue(info *Info, res *parser.Resource) {
	h.pending.Add(1)
	ok := h.queue.push(&downloadTask{
		info:      info,
		msgID:     res.MsgID,
		elementID: res.ElementID,
		source:    res.SourcePath,
		fileUUID:  res.FileUUID,
		priority:  info.Priority(),
	})
	if !ok {
		info.Status = StatusFailed
		info.LastError = "handler closed"
		h.pending.Done()
	}
}

// start launches the worker pool and the periodic health scan once.
func (h *Handler) start(ctx context.Context) {
	h.started.Do(func() {
		for i := 0; i < h.cfg.MaxConcurrent; i++ {
			go h.worker(ctx)
		}
		go h.RunHealthScan(ctx)
	})
}

// WaitAll blocks until every queued download reached a terminal state or
// ctx expires.
func (h *Handler) WaitAll(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrTimeout, "waiting for downloads")
	}
}

// Close stops the workers after the queue drains.
func (h *Handler) Close() {
	h.queue.close()
	close(h.done)
}

// LocalPaths returns key -> local path for every downloaded resource.
func (h *Handler) LocalPaths() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.byKey))
	for key, info := range h.byKey {
		if info.Status == StatusDownloaded && info.LocalPath != "" {
			out[key] = info.LocalPath
		}
	}
	return out
}

// Remaining counts resources not yet in a terminal state.
func (h *Handler) Remaining() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, info := range h.byKey {
		if info.Status != StatusDownloaded && info.Status != StatusFailed {
			n++
		}
	}
	return n
}

// Snapshot returns all records seen by this handler.
func (h *Handler) Snapshot() []*Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Info, 0, len(h.byKey))
	for _, info := range h.byKey {
		out = append(out, info)
	}
	return out
}

func (h *Handler) worker(ctx context.Context) {
	for {
		task, ok := h.queue.pop()
		if !ok {
			return
		}
		h.handle(ctx, task)
	}
}

func (h *Handler) handle(ctx context.Context, t *downloadTask) {
	info := t.info
	h.mu.Lock()
	info.Status = StatusDownloading
	info.DownloadAttempts++
	attempts := info.DownloadAttempts
	h.mu.Unlock()

	path, err := h.download(ctx, t)
	if err == nil {
		h.mu.Lock()
		info.Status = StatusDownloaded
		info.Accessible = true
		info.LocalPath = path
		info.CheckedAt = time.Now()
		info.LastError = ""
		h.mu.Unlock()
		h.persistInfo(ctx, info)
		h.pending.Done()
		return
	}

	// A retry that cannot re-queue (queue closed) falls through to the
	// failure path below.
	if !errors.Is(err, errors.ErrCircuitOpen) && attempts <= h.cfg.MaxRetries && ctx.Err() == nil {
		if h.queue.pushFront(t) {
			h.logger.Debugw("Download retrying",
				"symbol", sym.Resource,
				"file", info.FileName,
				"attempt", attempts,
				"error", err,
			)
			return
		}
	}

	h.mu.Lock()
	info.Status = StatusFailed
	info.Accessible = false
	info.CheckedAt = time.Now()
	info.LastError = classifyDownloadError(err)
	h.mu.Unlock()
	h.logger.Warnw("Download failed",
		"symbol", sym.Resource,
		"file", info.FileName,
		"attempts", attempts,
		"error", info.LastError,
	)
	h.persistInfo(ctx, info)
	h.pending.Done()
}

// download runs the fallback chain and returns a verified local path.
func (h *Handler) download(ctx context.Context, t *downloadTask) (string, error) {
	info := t.info
	if h.store.Healthy(info) {
		return h.store.PathFor(info), nil
	}
	if !h.breaker.Allow() {
		return "", errors.ErrCircuitOpen
	}

	target := h.store.PathFor(info)
	reported, callErr := h.adapter.DownloadMedia(ctx, t.msgID, h.ref.ChatType, h.ref.PeerUid, t.elementID, target, h.cfg.DownloadTimeout)

	// Fallback chain: the bridge-reported path, then the expected target,
	// then the element's own source path, then a direct URL for voice.
	final := ""
	switch {
	case callErr == nil && nonEmptyFile(reported):
		if reported != target {
			copied, err := h.store.CopyInto(info, reported)
			if err == nil {
				final = copied
			}
		} else {
			final = target
		}
	case nonEmptyFile(target):
		final = target
	case t.source != "" && nonEmptyFile(t.source):
		copied, err := h.store.CopyInto(info, t.source)
		if err == nil {
			final = copied
		}
	}
	if final == "" && info.Type == parser.ResourceAudio && t.fileUUID != "" {
		if fetched, err := h.fetchPtt(ctx, t, target); err == nil {
			final = fetched
		}
	}

	if final == "" {
		h.breaker.RecordFailure()
		if callErr != nil {
			return "", callErr
		}
		if reported == "" {
			return "", errors.New("empty-path")
		}
		return "", errors.Newf("not-at-expected-location: %s", reported)
	}

	h.mu.Lock()
	info.LocalPath = final
	h.mu.Unlock()
	h.store.Invalidate(info.Key())
	if !h.store.Healthy(info) {
		h.breaker.RecordFailure()
		if st, err := os.Stat(final); err == nil && st.Size() == 0 {
			return "", errors.New("empty-file")
		}
		return "", errors.New("integrity check failed")
	}
	h.breaker.RecordSuccess()
	return final, nil
}

// fetchPtt resolves a direct voice URL and fetches it into target.
func (h *Handler) fetchPtt(ctx context.Context, t *downloadTask, target string) (string, error) {
	url, err := h.adapter.ResolvePttURL(ctx, h.ref.PeerUid, t.fileUUID, h.cfg.DownloadTimeout)
	if err != nil || url == "" {
		return "", errors.Wrap(err, "resolve ptt url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "build ptt request")
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch ptt")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("ptt fetch: http %d", resp.StatusCode)
	}
	out, err := os.Create(target)
	if err != nil {
		return "", errors.Wrap(err, "create ptt file")
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(target)
		return "", errors.Wrap(err, "write ptt file")
	}
	if err := out.Close(); err != nil {
		return "", errors.Wrap(err, "flush ptt file")
	}
	h.store.Invalidate(t.info.Key())
	return target, nil
}

func (h *Handler) persistInfo(ctx context.Context, info *Info) {
	if h.persist == nil {
		return
	}
	if err := h.persist.UpsertResource(ctx, info); err != nil {
		h.logger.Warnw("Resource persist failed",
			"symbol", sym.DB,
			"key", info.Key(),
			"error", err,
		)
	}
}

// RunHealthScan periodically re-verifies downloaded resources, demoting
// broken ones without surfacing user-facing errors.
func (h *Handler) RunHealthScan(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.scanOnce(ctx)
		}
	}
}

func (h *Handler) scanOnce(ctx context.Context) {
	demoted := 0
	for _, info := range h.Snapshot() {
		h.mu.Lock()
		snap := *info
		h.mu.Unlock()
		if snap.Status != StatusDownloaded {
			continue
		}
		h.store.Invalidate(snap.Key())
		if h.store.Healthy(&snap) {
			continue
		}
		h.mu.Lock()
		info.Status = StatusFailed
		info.Accessible = false
		info.CheckedAt = time.Now()
		info.LastError = "health check failed"
		snap = *info
		h.mu.Unlock()
		h.persistInfo(ctx, &snap)
		demoted++
	}
	if demoted > 0 {
		h.logger.Infow("Health scan demoted resources",
			"symbol", sym.Resource,
			"demoted", demoted,
		)
	}
}

// classifyDownloadError reduces a failure to the stable categories recorded
// on the resource.
func classifyDownloadError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errors.ErrCircuitOpen):
		return "circuit-open"
	case errors.Is(err, errors.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return err.Error()
	}
}

func nonEmptyFile(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir() && st.Size() > 0
}
