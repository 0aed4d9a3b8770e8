package resource

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/parser"
)

// downloadFunc lets each test script the bridge's download behavior.
type stubAdapter struct {
	mu       sync.Mutex
	calls    int
	download func(destPath string) (string, error)
}

func (a *stubAdapter) ListGroups(context.Context) ([]bridge.Group, error)   { return nil, nil }
func (a *stubAdapter) ListFriends(context.Context) ([]bridge.Friend, error) { return nil, nil }
func (a *stubAdapter) ResolveDisplayName(context.Context, bridge.ChatRef) (string, error) {
	return "", nil
}
func (a *stubAdapter) GetLatestMessages(context.Context, bridge.ChatRef, int) ([]bridge.RawMessage, error) {
	return nil, nil
}
func (a *stubAdapter) GetMessageHistory(context.Context, bridge.ChatRef, string, int) ([]bridge.RawMessage, error) {
	return nil, nil
}
func (a *stubAdapter) GetMessagesBySeqRange(context.Context, bridge.ChatRef, int64, int64) ([]bridge.RawMessage, error) {
	return nil, nil
}
func (a *stubAdapter) ResolvePttURL(context.Context, string, string, time.Duration) (string, error) {
	return "", errors.ErrNotFound
}

func (a *stubAdapter) DownloadMedia(_ context.Context, _ string, _ bridge.ChatType, _, _, destPath string, _ time.Duration) (string, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.download == nil {
		return "", errors.ErrTransientNetwork
	}
	return a.download(destPath)
}

func writeDownload(content string) func(string) (string, error) {
	return func(destPath string) (string, error) {
		if err := os.WriteFile(destPath, []byte(content), 0o644); err != nil {
			return "", err
		}
		return destPath, nil
	}
}

func md5Of(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func testHandler(t *testing.T, adapter *stubAdapter) (*Handler, *Store) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ref := bridge.ChatRef{ChatType: bridge.ChatGroup, PeerUid: "12345"}
	h := NewHandler(adapter, ref, store, nil, Config{MaxConcurrent: 2, MaxRetries: 1, DownloadTimeout: 2 * time.Second}, zap.NewNop().Sugar())
	t.Cleanup(h.Close)
	return h, store
}

func imageMessage(msgID, fileName, content string) parser.ParsedMessage {
	return parser.ParsedMessage{
		MessageID: msgID,
		Content: parser.Content{
			Resources: []parser.Resource{{
				Type:      parser.ResourceImage,
				FileName:  fileName,
				FileSize:  int64(len(content)),
				Md5:       md5Of(content),
				MsgID:     msgID,
				ElementID: "E1",
			}},
		},
	}
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "a_b_c_d_e_f_g_h_i_j", SanitizeFileName(`a/b\c:d*e?f"g<h>i|j`))
	assert.Equal(t, "unnamed", SanitizeFileName(""))
	assert.Equal(t, "photo.jpg", SanitizeFileName("photo.jpg"))
}

func TestPriorityFormula(t *testing.T) {
	img := &Info{Type: parser.ResourceImage, FileSize: 512 << 10}
	assert.Equal(t, 120, img.Priority())
	audio := &Info{Type: parser.ResourceAudio, FileSize: 5 << 20}
	assert.Equal(t, 60, audio.Priority())
	video := &Info{Type: parser.ResourceVideo, FileSize: 100 << 20}
	assert.Equal(t, 30, video.Priority())
	file := &Info{Type: parser.ResourceFile}
	assert.Equal(t, 10, file.Priority())
}

func TestInfoKeyFallsBackWithoutMd5(t *testing.T) {
	a := &Info{Type: parser.ResourceFile, FileName: "x.bin", FileSize: 10}
	b := &Info{Type: parser.ResourceFile, FileName: "x.bin", FileSize: 10}
	c := &Info{Type: parser.ResourceFile, FileName: "x.bin", FileSize: 11}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	withMd5 := &Info{Md5: "aabb"}
	assert.Equal(t, "aabb", withMd5.Key())
}

func TestQueueOrdersByPriorityThenInsertion(t *testing.T) {
	q := newDownloadQueue()
	q.push(&downloadTask{info: &Info{FileName: "file"}, priority: 10})
	q.push(&downloadTask{info: &Info{FileName: "img1"}, priority: 120})
	q.push(&downloadTask{info: &Info{FileName: "img2"}, priority: 120})
	q.push(&downloadTask{info: &Info{FileName: "audio"}, priority: 60})

	var order []string
	for i := 0; i < 4; i++ {
		task, ok := q.pop()
		require.True(t, ok)
		order = append(order, task.info.FileName)
	}
	assert.Equal(t, []string{"img1", "img2", "audio", "file"}, order)
}

func TestQueuePushFrontPreempts(t *testing.T) {
	q := newDownloadQueue()
	q.push(&downloadTask{info: &Info{FileName: "img"}, priority: 120})
	q.pushFront(&downloadTask{info: &Info{FileName: "retry"}})
	task, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "retry", task.info.FileName)
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	b := NewBreaker(zap.NewNop().Sugar())
	b.recoveryTimeout = 10 * time.Millisecond

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, CircuitClosed, b.State())
	}
	b.RecordFailure()
	assert.Equal(t, CircuitOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, CircuitHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, CircuitOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreakerExecuteFailsFastWhenOpen(t *testing.T) {
	b := NewBreaker(zap.NewNop().Sugar())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	called := false
	err := b.Execute(func() error { called = true; return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
	assert.False(t, called)
}

func TestStoreHealthyVerifiesSizeAndHash(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := "hello media"
	info := &Info{Type: parser.ResourceImage, FileName: "a.jpg", FileSize: int64(len(content)), Md5: md5Of(content)}
	require.NoError(t, os.WriteFile(store.PathFor(info), []byte(content), 0o644))
	assert.True(t, store.Healthy(info))

	// Wrong declared size fails the check; the stale cached verdict must be
	// dropped first.
	store.Invalidate(info.Key())
	info.FileSize = 1
	assert.False(t, store.Healthy(info))

	store.Invalidate(info.Key())
	info.FileSize = int64(len(content))
	info.Md5 = "0000000000000000"
	assert.False(t, store.Healthy(info))
}

func TestDownloadSuccess(t *testing.T) {
	content := "image-bytes"
	adapter := &stubAdapter{download: writeDownload(content)}
	h, store := testHandler(t, adapter)

	msgs := []parser.ParsedMessage{imageMessage("M1", "a.jpg", content)}
	byMsg := h.Process(context.Background(), msgs)
	require.NoError(t, h.WaitAll(context.Background()))

	require.Len(t, byMsg["M1"], 1)
	info := byMsg["M1"][0]
	assert.Equal(t, StatusDownloaded, info.Status)
	assert.True(t, info.Accessible)
	assert.Equal(t, store.PathFor(info), info.LocalPath)
	assert.FileExists(t, info.LocalPath)

	paths := h.LocalPaths()
	assert.Equal(t, info.LocalPath, paths[info.Key()])
}

func TestDownloadDeduplicatesByKey(t *testing.T) {
	content := "same-image"
	adapter := &stubAdapter{download: writeDownload(content)}
	h, _ := testHandler(t, adapter)

	msgs := []parser.ParsedMessage{
		imageMessage("M1", "a.jpg", content),
		imageMessage("M2", "a.jpg", content),
	}
	byMsg := h.Process(context.Background(), msgs)
	require.NoError(t, h.WaitAll(context.Background()))

	assert.Same(t, byMsg["M1"][0], byMsg["M2"][0])
	assert.Equal(t, 1, adapter.calls)
}

func TestDownloadFailureMarksResource(t *testing.T) {
	adapter := &stubAdapter{} // always transient failure
	h, _ := testHandler(t, adapter)

	msgs := []parser.ParsedMessage{imageMessage("M1", "a.jpg", "never-arrives")}
	byMsg := h.Process(context.Background(), msgs)
	require.NoError(t, h.WaitAll(context.Background()))

	info := byMsg["M1"][0]
	assert.Equal(t, StatusFailed, info.Status)
	assert.False(t, info.Accessible)
	assert.NotEmpty(t, info.LastError)
	// MaxRetries 1: initial attempt plus one retry.
	assert.Equal(t, 2, info.DownloadAttempts)
}

func TestDownloadFallsBackToSourcePath(t *testing.T) {
	content := "local-copy"
	src := filepath.Join(t.TempDir(), "source.jpg")
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))

	adapter := &stubAdapter{download: func(string) (string, error) { return "", errors.ErrTransientNetwork }}
	h, _ := testHandler(t, adapter)

	msg := imageMessage("M1", "source.jpg", content)
	msg.Content.Resources[0].SourcePath = src
	byMsg := h.Process(context.Background(), []parser.ParsedMessage{msg})
	require.NoError(t, h.WaitAll(context.Background()))

	info := byMsg["M1"][0]
	assert.Equal(t, StatusDownloaded, info.Status)
	assert.FileExists(t, info.LocalPath)
}

func TestCircuitOpenFailsEverythingFast(t *testing.T) {
	adapter := &stubAdapter{}
	h, _ := testHandler(t, adapter)
	for i := 0; i < 5; i++ {
		h.breaker.RecordFailure()
	}

	var msgs []parser.ParsedMessage
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		msgs = append(msgs, imageMessage("M_"+name, name, "content-"+name))
	}
	byMsg := h.Process(context.Background(), msgs)
	require.NoError(t, h.WaitAll(context.Background()))

	for _, infos := range byMsg {
		for _, info := range infos {
			assert.Equal(t, StatusFailed, info.Status)
			assert.Equal(t, "circuit-open", info.LastError)
		}
	}
	assert.Zero(t, adapter.calls)
}

func TestTimeoutClassified(t *testing.T) {
	adapter := &stubAdapter{download: func(string) (string, error) {
		return "", errors.Wrap(errors.ErrTimeout, "bridge downloadMedia")
	}}
	h, _ := testHandler(t, adapter)

	byMsg := h.Process(context.Background(), []parser.ParsedMessage{imageMessage("M1", "a.jpg", "x")})
	require.NoError(t, h.WaitAll(context.Background()))

	info := byMsg["M1"][0]
	assert.Equal(t, StatusFailed, info.Status)
	assert.Contains(t, info.LastError, "timeout")
}

func TestRetryOnClosedQueueCompletesPending(t *testing.T) {
	adapter := &stubAdapter{} // transient failure, normally retried
	h, _ := testHandler(t, adapter)

	info := &Info{Type: parser.ResourceImage, FileName: "a.jpg", FileSize: 4}
	h.pending.Add(1)
	h.queue.close()
	h.handle(context.Background(), &downloadTask{info: info, msgID: "M1", elementID: "E1"})

	assert.Equal(t, StatusFailed, info.Status)
	assert.NotEmpty(t, info.LastError)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.WaitAll(ctx))
}

func TestHealthScanRunsPeriodically(t *testing.T) {
	content := "short-lived"
	adapter := &stubAdapter{download: writeDownload(content)}
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ref := bridge.ChatRef{ChatType: bridge.ChatGroup, PeerUid: "12345"}
	h := NewHandler(adapter, ref, store, nil, Config{MaxConcurrent: 1, HealthCheckInterval: 20 * time.Millisecond}, zap.NewNop().Sugar())
	t.Cleanup(h.Close)

	byMsg := h.Process(context.Background(), []parser.ParsedMessage{imageMessage("M1", "a.jpg", content)})
	require.NoError(t, h.WaitAll(context.Background()))
	info := byMsg["M1"][0]
	require.Equal(t, StatusDownloaded, info.Status)

	require.NoError(t, os.Remove(info.LocalPath))
	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return info.Status == StatusFailed && !info.Accessible
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthScanDemotesBrokenResources(t *testing.T) {
	content := "will-vanish"
	adapter := &stubAdapter{download: writeDownload(content)}
	h, _ := testHandler(t, adapter)

	byMsg := h.Process(context.Background(), []parser.ParsedMessage{imageMessage("M1", "a.jpg", content)})
	require.NoError(t, h.WaitAll(context.Background()))
	info := byMsg["M1"][0]
	require.Equal(t, StatusDownloaded, info.Status)

	require.NoError(t, os.Remove(info.LocalPath))
	h.scanOnce(context.Background())
	assert.Equal(t, StatusFailed, info.Status)
	assert.False(t, info.Accessible)
}

func TestSweepRemovesOldUnreferencedFiles(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	old := filepath.Join(store.Root(), "images", "aaa_old.jpg")
	kept := filepath.Join(store.Root(), "images", "bbb_kept.jpg")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(kept, []byte("y"), 0o644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(kept, past, past))

	removed, err := store.Sweep(24*time.Hour, map[string]struct{}{"bbb": {}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, kept)
}

func TestFileMD5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	sum, err := FileMD5(path)
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", sum)
}
