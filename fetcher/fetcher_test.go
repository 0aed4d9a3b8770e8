package fetcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
)

// fakeAdapter serves a fixed newest-first message log through the three
// pagination RPCs.
type fakeAdapter struct {
	messages []bridge.RawMessage // newest first

	latestCalls  int
	historyCalls int
	rangeCalls   int

	failLatest  error
	stuckAnchor bool // keep returning the same page, for the loop guard
}

func (a *fakeAdapter) ListGroups(context.Context) ([]bridge.Group, error)   { return nil, nil }
func (a *fakeAdapter) ListFriends(context.Context) ([]bridge.Friend, error) { return nil, nil }
func (a *fakeAdapter) ResolveDisplayName(context.Context, bridge.ChatRef) (string, error) {
	return "fake", nil
}
func (a *fakeAdapter) DownloadMedia(context.Context, string, bridge.ChatType, string, string, string, time.Duration) (string, error) {
	return "", errors.ErrNotFound
}
func (a *fakeAdapter) ResolvePttURL(context.Context, string, string, time.Duration) (string, error) {
	return "", errors.ErrNotFound
}

func (a *fakeAdapter) GetLatestMessages(_ context.Context, _ bridge.ChatRef, count int) ([]bridge.RawMessage, error) {
	a.latestCalls++
	if a.failLatest != nil {
		return nil, a.failLatest
	}
	if len(a.messages) == 0 {
		return nil, nil
	}
	if count > len(a.messages) {
		count = len(a.messages)
	}
	return append([]bridge.RawMessage(nil), a.messages[:count]...), nil
}

func (a *fakeAdapter) GetMessageHistory(_ context.Context, _ bridge.ChatRef, anchorMsgID string, count int) ([]bridge.RawMessage, error) {
	a.historyCalls++
	idx := -1
	for i, m := range a.messages {
		if m.MsgID == anchorMsgID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}
	if a.stuckAnchor {
		// Misbehaving upstream: anchor page served again, inclusive.
		end := idx + count
		if end > len(a.messages) {
			end = len(a.messages)
		}
		return append([]bridge.RawMessage(nil), a.messages[idx:end]...), nil
	}
	start := idx + 1
	end := start + count
	if end > len(a.messages) {
		end = len(a.messages)
	}
	if start >= len(a.messages) {
		return nil, nil
	}
	return append([]bridge.RawMessage(nil), a.messages[start:end]...), nil
}

func (a *fakeAdapter) GetMessagesBySeqRange(_ context.Context, _ bridge.ChatRef, seqStart, seqEnd int64) ([]bridge.RawMessage, error) {
	a.rangeCalls++
	var out []bridge.RawMessage
	for _, m := range a.messages {
		seq := m.SeqInt()
		if seq >= seqStart && seq <= seqEnd {
			out = append(out, m)
		}
	}
	return out, nil
}

// makeMessages builds n messages, newest first, one second apart, ending at
// base. Seq numbers descend from n to 1.
func makeMessages(n int, base time.Time) []bridge.RawMessage {
	out := make([]bridge.RawMessage, n)
	for i := 0; i < n; i++ {
		t := base.Add(-time.Duration(i) * time.Second)
		out[i] = bridge.RawMessage{
			MsgID:     fmt.Sprintf("msg-%d", n-i),
			MsgSeq:    fmt.Sprintf("%d", n-i),
			MsgTime:   fmt.Sprintf("%d", t.Unix()),
			SenderUid: "u_alice",
			MsgType:   2,
		}
	}
	return out
}

func collect(t *testing.T, ch <-chan Batch) ([]bridge.RawMessage, error) {
	t.Helper()
	var all []bridge.RawMessage
	for b := range ch {
		if b.Err != nil {
			return all, b.Err
		}
		all = append(all, b.Messages...)
	}
	return all, nil
}

func testFetcher(adapter bridge.Adapter, batchSize int) *Fetcher {
	return New(adapter, Config{BatchSize: batchSize, Timeout: 2 * time.Second}, zap.NewNop().Sugar())
}

func privateRef() bridge.ChatRef {
	return bridge.ChatRef{ChatType: bridge.ChatPrivate, PeerUid: "u_alice"}
}

func groupRef() bridge.ChatRef {
	return bridge.ChatRef{ChatType: bridge.ChatGroup, PeerUid: "12345"}
}

func TestSelectStrategy(t *testing.T) {
	assert.Equal(t, TimeSequential, SelectStrategy(privateRef(), Filter{}))
	assert.Equal(t, SeqRange, SelectStrategy(groupRef(), Filter{}))
	assert.Equal(t, TimeSequential, SelectStrategy(groupRef(), Filter{Keyword: "hi"}))
	assert.Equal(t, TimeSequential, SelectStrategy(groupRef(), Filter{SenderUids: []string{"u"}}))
}

func TestFetchTimeSequentialWalksToExhaustion(t *testing.T) {
	adapter := &fakeAdapter{messages: makeMessages(25, time.Now())}
	f := testFetcher(adapter, 10)

	ch, err := f.Fetch(context.Background(), privateRef(), Filter{})
	require.NoError(t, err)

	all, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, all, 25)

	// Newest to oldest throughout.
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].TimeSeconds(), all[i].TimeSeconds())
	}
	assert.Equal(t, "msg-25", all[0].MsgID)
	assert.Equal(t, "msg-1", all[len(all)-1].MsgID)
}

func TestFetchBatchSizeOne(t *testing.T) {
	adapter := &fakeAdapter{messages: makeMessages(3, time.Now())}
	f := testFetcher(adapter, 1)

	ch, err := f.Fetch(context.Background(), privateRef(), Filter{})
	require.NoError(t, err)

	all, err := collect(t, ch)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFetchSeqRangeGroup(t *testing.T) {
	adapter := &fakeAdapter{messages: makeMessages(25, time.Now())}
	f := testFetcher(adapter, 10)

	ch, err := f.Fetch(context.Background(), groupRef(), Filter{})
	require.NoError(t, err)

	all, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, all, 25)
	assert.Equal(t, "msg-1", all[len(all)-1].MsgID)
	assert.Positive(t, adapter.rangeCalls)
	assert.Zero(t, adapter.historyCalls)
}

func TestFetchLoopGuardTerminates(t *testing.T) {
	adapter := &fakeAdapter{messages: makeMessages(20, time.Now()), stuckAnchor: true}
	f := testFetcher(adapter, 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch, err := f.Fetch(context.Background(), privateRef(), Filter{})
		require.NoError(t, err)
		_, err = collect(t, ch)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop guard did not terminate pagination")
	}
}

func TestFetchEarlyStopBelowWindow(t *testing.T) {
	base := time.Now()
	adapter := &fakeAdapter{messages: makeMessages(100, base)}
	f := testFetcher(adapter, 10)

	// Window covers only the newest 5 seconds.
	window := bridge.TimeWindow{
		StartMillis: base.Add(-5 * time.Second).UnixMilli(),
		EndMillis:   base.Add(time.Second).UnixMilli(),
	}
	ch, err := f.Fetch(context.Background(), privateRef(), Filter{Window: window})
	require.NoError(t, err)

	all, err := collect(t, ch)
	require.NoError(t, err)
	assert.Len(t, all, 6)
	// The walk must stop well before exhausting all 100 messages.
	assert.Less(t, adapter.historyCalls, 5)
}

func TestFetchEmptyWindowYieldsNothing(t *testing.T) {
	base := time.Now()
	adapter := &fakeAdapter{messages: makeMessages(10, base)}
	f := testFetcher(adapter, 10)

	window := bridge.TimeWindow{
		StartMillis: base.Add(-time.Hour).UnixMilli(),
		EndMillis:   base.Add(-30 * time.Minute).UnixMilli(),
	}
	ch, err := f.Fetch(context.Background(), privateRef(), Filter{Window: window})
	require.NoError(t, err)

	all, err := collect(t, ch)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFetchSenderAndTypeFilter(t *testing.T) {
	msgs := makeMessages(10, time.Now())
	msgs[2].SenderUid = "u_bob"
	msgs[5].SenderUid = "u_bob"
	adapter := &fakeAdapter{messages: msgs}
	f := testFetcher(adapter, 10)

	ch, err := f.Fetch(context.Background(), privateRef(), Filter{SenderUids: []string{"u_bob"}})
	require.NoError(t, err)
	all, err := collect(t, ch)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFetchRecalledExcludedByDefault(t *testing.T) {
	msgs := makeMessages(5, time.Now())
	msgs[1].RecallTime = "123456"
	adapter := &fakeAdapter{messages: msgs}
	f := testFetcher(adapter, 10)

	ch, err := f.Fetch(context.Background(), privateRef(), Filter{})
	require.NoError(t, err)
	all, err := collect(t, ch)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestFetchCancellationEndsCleanly(t *testing.T) {
	adapter := &fakeAdapter{messages: makeMessages(500, time.Now())}
	f := testFetcher(adapter, 10)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.Fetch(ctx, privateRef(), Filter{})
	require.NoError(t, err)

	// Take one batch, then cancel.
	first := <-ch
	require.NoError(t, first.Err)
	cancel()

	for b := range ch {
		assert.NoError(t, b.Err)
	}
}

func TestFetchNotReentrant(t *testing.T) {
	adapter := &fakeAdapter{messages: makeMessages(5, time.Now())}
	f := testFetcher(adapter, 10)

	ch, err := f.Fetch(context.Background(), privateRef(), Filter{})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), privateRef(), Filter{})
	require.Error(t, err)

	_, err = collect(t, ch)
	require.NoError(t, err)
}

func TestFetchTerminalErrorSurfaces(t *testing.T) {
	adapter := &fakeAdapter{failLatest: errors.ErrPermissionDenied}
	f := testFetcher(adapter, 10)

	ch, err := f.Fetch(context.Background(), privateRef(), Filter{})
	require.NoError(t, err)
	_, err = collect(t, ch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPermissionDenied))
}

func TestFetchInvalidRefRejected(t *testing.T) {
	f := testFetcher(&fakeAdapter{}, 10)
	_, err := f.Fetch(context.Background(), bridge.ChatRef{}, Filter{})
	require.Error(t, err)
}

func TestStatsTracked(t *testing.T) {
	adapter := &fakeAdapter{messages: makeMessages(5, time.Now())}
	f := testFetcher(adapter, 10)

	ch, err := f.Fetch(context.Background(), privateRef(), Filter{})
	require.NoError(t, err)
	_, err = collect(t, ch)
	require.NoError(t, err)

	stats := f.Stats()
	assert.Positive(t, stats.CallCount)
	assert.Equal(t, stats.CallCount, stats.SuccessCount)
	assert.Zero(t, stats.ConsecutiveFailures)
	assert.False(t, stats.LastCallAt.IsZero())
}

func TestCallWithRetryEscalatesNonRetryable(t *testing.T) {
	calls := 0
	_, err := callWithRetry(context.Background(), 3, time.Second, func(context.Context) (int, error) {
		calls++
		return 0, errors.ErrPermissionDenied
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallWithRetryRetriesTransient(t *testing.T) {
	calls := 0
	out, err := callWithRetry(context.Background(), 3, time.Second, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.ErrTransientNetwork
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 3, calls)
}

func TestCallWithRetryExhausts(t *testing.T) {
	calls := 0
	_, err := callWithRetry(context.Background(), 2, time.Second, func(context.Context) (int, error) {
		calls++
		return 0, errors.ErrTransientNetwork
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, errors.ErrTransientNetwork))
}
