package export

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/parser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func sampleChat() ChatInfo {
	return ChatInfo{Name: "Work Group", Type: bridge.ChatGroup}
}

// sampleMessages returns three messages newest-first, seconds apart.
func sampleMessages() []parser.ParsedMessage {
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.Local).UnixMilli()
	mk := func(id string, offsetSec int64, name, text string) parser.ParsedMessage {
		return parser.ParsedMessage{
			MessageID: id,
			Timestamp: base + offsetSec*1000,
			Sender:    parser.Sender{Uid: "u", DisplayName: name},
			Content:   parser.Content{Text: text, HTML: text},
		}
	}
	return []parser.ParsedMessage{
		mk("M3", 20, "Alice", "third"),
		mk("M2", 10, "Bob", "second"),
		mk("M1", 0, "Alice", "first"),
	}
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"JSON", "TXT", "HTML"} {
		f, err := ParseFormat(s)
		require.NoError(t, err)
		assert.Equal(t, Format(s), f)
	}
	_, err := ParseFormat("PDF")
	require.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	exp := &JSONExporter{}
	msgs := sampleMessages()
	counts := Counts{Messages: 3}
	window := bridge.TimeWindow{StartMillis: 1, EndMillis: 2}
	require.NoError(t, exp.Export(&buf, sampleChat(), window, msgs, counts))

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, FormatVersion, doc.Meta.Version)
	assert.Equal(t, "Work Group", doc.Meta.Chat.Name)
	assert.Equal(t, window, doc.Meta.Window)
	assert.Equal(t, 3, doc.Meta.Counts.Messages)

	// Upstream order (newest first) is preserved in JSON.
	require.Len(t, doc.Messages, 3)
	assert.Equal(t, "M3", doc.Messages[0].MessageID)
	assert.Equal(t, "M1", doc.Messages[2].MessageID)
	assert.Equal(t, msgs[0].Content.Text, doc.Messages[0].Content.Text)
}

func TestJSONEmptyWindow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&JSONExporter{}).Export(&buf, sampleChat(), bridge.TimeWindow{}, nil, Counts{}))

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Empty(t, doc.Messages)
	assert.Equal(t, FormatVersion, doc.Meta.Version)
}

func TestJSONPretty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&JSONExporter{Pretty: true}).Export(&buf, sampleChat(), bridge.TimeWindow{}, sampleMessages(), Counts{}))
	assert.Contains(t, buf.String(), "\n")
	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Len(t, doc.Messages, 3)
}

func TestTXTAscendingWithDateHeaders(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TXTExporter{}).Export(&buf, sampleChat(), bridge.TimeWindow{}, sampleMessages(), Counts{}))
	out := buf.String()

	assert.Contains(t, out, "==== 2026-08-20 ====")
	first := strings.Index(out, "Alice: first")
	second := strings.Index(out, "Bob: second")
	third := strings.Index(out, "Alice: third")
	require.True(t, first >= 0 && second >= 0 && third >= 0)
	assert.Less(t, first, second)
	assert.Less(t, second, third)
	assert.Contains(t, out, "12:00:00 Alice: first")
}

func TestTXTSystemMessagesToggle(t *testing.T) {
	msgs := sampleMessages()
	msgs[1].IsSystem = true

	var withOut bytes.Buffer
	require.NoError(t, (&TXTExporter{}).Export(&withOut, sampleChat(), bridge.TimeWindow{}, msgs, Counts{}))
	assert.NotContains(t, withOut.String(), "second")

	var with bytes.Buffer
	require.NoError(t, (&TXTExporter{IncludeSystemMessages: true}).Export(&with, sampleChat(), bridge.TimeWindow{}, msgs, Counts{}))
	assert.Contains(t, with.String(), "second")
}

func TestTXTDeterministic(t *testing.T) {
	msgs := sampleMessages()
	var a, b bytes.Buffer
	require.NoError(t, (&TXTExporter{}).Export(&a, sampleChat(), bridge.TimeWindow{}, msgs, Counts{}))
	require.NoError(t, (&TXTExporter{}).Export(&b, sampleChat(), bridge.TimeWindow{}, msgs, Counts{}))
	assert.Equal(t, a.String(), b.String())
}

func TestHTMLSelfContained(t *testing.T) {
	msgs := sampleMessages()
	msgs[0].Content.HTML = `<img class="resource" src="resources/images/aabb_p.jpg" data-md5="aabb" alt="p.jpg">`
	msgs[2].IsRecalled = true

	var buf bytes.Buffer
	require.NoError(t, (&HTMLExporter{}).Export(&buf, sampleChat(), bridge.TimeWindow{}, msgs, Counts{}))
	out := buf.String()

	assert.Contains(t, out, "<!DOCTYPE html>")
	assert.Contains(t, out, "<title>Work Group</title>")
	assert.Contains(t, out, `src="resources/images/aabb_p.jpg"`)
	assert.Contains(t, out, "msg recalled")
	assert.NotContains(t, out, "<script")
	assert.NotContains(t, out, "<link")
}

func TestHTMLEscapesNames(t *testing.T) {
	msgs := sampleMessages()
	msgs[0].Sender.DisplayName = `<img onerror=x>`

	var buf bytes.Buffer
	require.NoError(t, (&HTMLExporter{}).Export(&buf, sampleChat(), bridge.TimeWindow{}, msgs, Counts{}))
	assert.NotContains(t, buf.String(), "<img onerror")
	assert.Contains(t, buf.String(), "&lt;img onerror=x&gt;")
}

func TestArtifactName(t *testing.T) {
	name := ArtifactName(`bad/chat:name`, "json")
	assert.True(t, strings.HasPrefix(name, "bad_chat_name_"))
	assert.True(t, strings.HasSuffix(name, ".json"))
}

func TestWriteArtifact(t *testing.T) {
	dir := t.TempDir()
	path, size, err := WriteArtifact(dir, &TXTExporter{}, sampleChat(), bridge.TimeWindow{}, sampleMessages(), Counts{Messages: 3})
	require.NoError(t, err)
	assert.Positive(t, size)
	assert.FileExists(t, path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, strings.HasSuffix(entries[0].Name(), ".part"))
}
