package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quenlab/qce/am"
	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/export"
	qcetesting "github.com/quenlab/qce/internal/testing"
	"github.com/quenlab/qce/resource"
	"github.com/quenlab/qce/schedule"
	"github.com/quenlab/qce/task"
)

// stubAdapter serves a fixed newest-first message log.
type stubAdapter struct {
	messages []bridge.RawMessage
	groups   []bridge.Group
	friends  []bridge.Friend
}

func (a *stubAdapter) ListGroups(context.Context) ([]bridge.Group, error)   { return a.groups, nil }
func (a *stubAdapter) ListFriends(context.Context) ([]bridge.Friend, error) { return a.friends, nil }
func (a *stubAdapter) ResolveDisplayName(context.Context, bridge.ChatRef) (string, error) {
	return "Work Group", nil
}
func (a *stubAdapter) ResolvePttURL(context.Context, string, string, time.Duration) (string, error) {
	return "", nil
}
func (a *stubAdapter) DownloadMedia(_ context.Context, _ string, _ bridge.ChatType, _, _, destPath string, _ time.Duration) (string, error) {
	if err := os.WriteFile(destPath, []byte("media"), 0o644); err != nil {
		return "", err
	}
	return destPath, nil
}

func (a *stubAdapter) GetLatestMessages(_ context.Context, _ bridge.ChatRef, count int) ([]bridge.RawMessage, error) {
	if count > len(a.messages) {
		count = len(a.messages)
	}
	return append([]bridge.RawMessage(nil), a.messages[:count]...), nil
}

func (a *stubAdapter) GetMessageHistory(_ context.Context, _ bridge.ChatRef, anchorMsgID string, count int) ([]bridge.RawMessage, error) {
	for i, m := range a.messages {
		if m.MsgID == anchorMsgID {
			start := i + 1
			end := start + count
			if end > len(a.messages) {
				end = len(a.messages)
			}
			if start >= len(a.messages) {
				return nil, nil
			}
			return append([]bridge.RawMessage(nil), a.messages[start:end]...), nil
		}
	}
	return nil, nil
}

func (a *stubAdapter) GetMessagesBySeqRange(_ context.Context, _ bridge.ChatRef, seqStart, seqEnd int64) ([]bridge.RawMessage, error) {
	var out []bridge.RawMessage
	for _, m := range a.messages {
		if seq := m.SeqInt(); seq >= seqStart && seq <= seqEnd {
			out = append(out, m)
		}
	}
	return out, nil
}

func stubMessages(n int) []bridge.RawMessage {
	base := time.Now().Unix()
	out := make([]bridge.RawMessage, n)
	for i := 0; i < n; i++ {
		out[i] = bridge.RawMessage{
			MsgID:        fmt.Sprintf("msg-%d", n-i),
			MsgSeq:       fmt.Sprintf("%d", n-i),
			MsgTime:      fmt.Sprintf("%d", base-int64(i)),
			SenderUid:    "u_alice",
			SendNickName: "Alice",
			MsgType:      2,
			ChatType:     2,
			PeerUid:      "12345",
			Elements: []bridge.Element{
				{Text: &bridge.TextElement{Content: fmt.Sprintf("message %d", n-i)}},
			},
		}
	}
	return out
}

func newTestServer(t *testing.T, adapter bridge.Adapter) (*Server, *httptest.Server) {
	t.Helper()
	db := qcetesting.CreateMigratedTestDB(t)
	logger := zap.NewNop().Sugar()

	tasks := task.NewStore(db, logger)
	t.Cleanup(tasks.Close)
	schedules := schedule.NewStore(db, logger)

	exportsDir := t.TempDir()
	resStore, err := resource.NewStore(t.TempDir())
	require.NoError(t, err)

	s := New(am.ServerConfig{Port: 0}, adapter, nil, tasks, schedules, exportsDir, logger)
	orch := task.NewOrchestrator(adapter, tasks, resStore, s, task.Config{
		ExportsDir:       exportsDir,
		MaxConcurrentDLs: 2,
		DownloadTimeout:  2 * time.Second,
	}, logger)
	s.SetOrchestrator(orch)

	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestWebSocketReceivesBroadcast(t *testing.T) {
	s, ts := newTestServer(t, &stubAdapter{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration races the dial handshake.
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	count := 7
	size := int64(2048)
	s.Broadcast(task.EventExportComplete, task.EventPayload{
		TaskID:       "T1",
		Status:       "completed",
		Progress:     100,
		MessageCount: &count,
		FileName:     "chat.json",
		FileSize:     &size,
		DownloadURL:  "/exports/chat.json",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Type      string         `json:"type"`
		Data      map[string]any `json:"data"`
		Timestamp int64          `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, "export_complete", env.Type)
	assert.Positive(t, env.Timestamp)
	assert.Equal(t, "T1", env.Data["taskId"])
	assert.Equal(t, "completed", env.Data["status"])
	assert.Equal(t, float64(100), env.Data["progress"])
	assert.Equal(t, float64(7), env.Data["messageCount"])
	assert.Equal(t, "chat.json", env.Data["fileName"])
	assert.Equal(t, float64(2048), env.Data["fileSize"])
	assert.Equal(t, "/exports/chat.json", env.Data["downloadUrl"])
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestCreateTaskRunsToCompletion(t *testing.T) {
	_, ts := newTestServer(t, &stubAdapter{messages: stubMessages(12)})

	resp := postJSON(t, ts.URL+"/api/tasks", task.ExportTask{
		ChatRef:   bridge.ChatRef{ChatType: bridge.ChatGroup, PeerUid: "12345"},
		ChatName:  "Work Group",
		Formats:   []export.Format{export.FormatJSON},
		BatchSize: 10,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created task.TaskWithState
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.Task.TaskID)
	assert.Equal(t, task.StatusPending, created.State.Status)

	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/tasks/" + created.Task.TaskID)
		if err != nil {
			return false
		}
		var got task.TaskWithState
		decodeBody(t, r, &got)
		return got.State.Status == task.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	r, err := http.Get(ts.URL + "/api/tasks")
	require.NoError(t, err)
	var listing struct {
		Tasks []task.TaskWithState `json:"tasks"`
	}
	decodeBody(t, r, &listing)
	require.Len(t, listing.Tasks, 1)
	assert.Equal(t, 12, listing.Tasks[0].State.TotalMsgs)
}

func TestCreateTaskRejectsInvalid(t *testing.T) {
	_, ts := newTestServer(t, &stubAdapter{})

	resp := postJSON(t, ts.URL+"/api/tasks", task.ExportTask{
		ChatName: "nameless",
		Formats:  []export.Format{export.FormatJSON},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelUnknownTask(t *testing.T) {
	_, ts := newTestServer(t, &stubAdapter{})

	resp := postJSON(t, ts.URL+"/api/tasks/NOPE/cancel", map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteTask(t *testing.T) {
	s, ts := newTestServer(t, &stubAdapter{})

	created, err := s.orch.CreateTask(context.Background(), &task.ExportTask{
		ChatRef:  bridge.ChatRef{ChatType: bridge.ChatGroup, PeerUid: "12345"},
		ChatName: "Work Group",
		Formats:  []export.Format{export.FormatTXT},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/tasks/"+created.TaskID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	r, err := http.Get(ts.URL + "/api/tasks/" + created.TaskID)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestGroupsAndFriendsPassthrough(t *testing.T) {
	adapter := &stubAdapter{
		groups:  []bridge.Group{{GroupCode: "12345", GroupName: "Work Group", MemberCount: 8}},
		friends: []bridge.Friend{{Uid: "u_alice", Uin: "1001", Nick: "Alice"}},
	}
	_, ts := newTestServer(t, adapter)

	r, err := http.Get(ts.URL + "/api/groups")
	require.NoError(t, err)
	var groups struct {
		Groups []bridge.Group `json:"groups"`
	}
	decodeBody(t, r, &groups)
	require.Len(t, groups.Groups, 1)
	assert.Equal(t, "Work Group", groups.Groups[0].GroupName)

	r, err = http.Get(ts.URL + "/api/friends")
	require.NoError(t, err)
	var friends struct {
		Friends []bridge.Friend `json:"friends"`
	}
	decodeBody(t, r, &friends)
	require.Len(t, friends.Friends, 1)
	assert.Equal(t, "Alice", friends.Friends[0].Nick)
}

func TestSchedulesCRUD(t *testing.T) {
	_, ts := newTestServer(t, &stubAdapter{})

	resp := postJSON(t, ts.URL+"/api/schedules", schedule.ScheduledExport{
		Name:          "nightly",
		ChatRef:       bridge.ChatRef{ChatType: bridge.ChatGroup, PeerUid: "12345"},
		ScheduleType:  schedule.ScheduleDaily,
		ExecuteTime:   "03:00",
		TimeRangeType: schedule.RangeYesterday,
		Format:        export.FormatJSON,
		Enabled:       true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created schedule.ScheduledExport
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)
	require.NotNil(t, created.NextRun)

	r, err := http.Get(ts.URL + "/api/schedules/" + created.ID)
	require.NoError(t, err)
	var got schedule.ScheduledExport
	decodeBody(t, r, &got)
	assert.Equal(t, "nightly", got.Name)

	created.Name = "nightly v2"
	payload, err := json.Marshal(created)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/schedules/"+created.ID, bytes.NewReader(payload))
	require.NoError(t, err)
	r, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	decodeBody(t, r, &got)
	assert.Equal(t, "nightly v2", got.Name)

	r, err = http.Get(ts.URL + "/api/schedules/" + created.ID + "/history")
	require.NoError(t, err)
	var hist struct {
		History []schedule.ExecutionHistory `json:"history"`
	}
	decodeBody(t, r, &hist)
	assert.Empty(t, hist.History)

	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/api/schedules/"+created.ID, nil)
	require.NoError(t, err)
	r, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	r, err = http.Get(ts.URL + "/api/schedules/" + created.ID)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestScheduleRejectsBadTrigger(t *testing.T) {
	_, ts := newTestServer(t, &stubAdapter{})

	resp := postJSON(t, ts.URL+"/api/schedules", schedule.ScheduledExport{
		Name:          "broken",
		ChatRef:       bridge.ChatRef{ChatType: bridge.ChatGroup, PeerUid: "12345"},
		ScheduleType:  schedule.ScheduleCustom,
		CronExpr:      "not a cron",
		TimeRangeType: schedule.RangeYesterday,
		Format:        export.FormatJSON,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportsFileServing(t *testing.T) {
	s, ts := newTestServer(t, &stubAdapter{})

	require.NoError(t, os.WriteFile(filepath.Join(s.exports, "chat.json"), []byte(`{"ok":true}`), 0o644))

	r, err := http.Get(ts.URL + "/exports/chat.json")
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
}

func TestExportRunnerRunScheduled(t *testing.T) {
	s, _ := newTestServer(t, &stubAdapter{messages: stubMessages(8)})
	runner := NewExportRunner(s.orch, s.tasks, zap.NewNop().Sugar())

	now := time.Now()
	window := bridge.TimeWindow{
		StartMillis: now.Add(-time.Hour).UnixMilli(),
		EndMillis:   now.Add(time.Hour).UnixMilli(),
	}
	outcome, err := runner.RunScheduled(context.Background(), &schedule.ScheduledExport{
		ID:      "S1",
		Name:    "Work Group",
		ChatRef: bridge.ChatRef{ChatType: bridge.ChatGroup, PeerUid: "12345"},
		Format:  export.FormatTXT,
	}, window)
	require.NoError(t, err)
	assert.Equal(t, 8, outcome.MessageCount)
	assert.NotEmpty(t, outcome.FilePath)
	assert.Positive(t, outcome.FileSizeBytes)
}
