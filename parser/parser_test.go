package parser

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quenlab/qce/bridge"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)
	return p
}

func textMessage(id, seq, tsSeconds, content string) bridge.RawMessage {
	return bridge.RawMessage{
		MsgID:        id,
		MsgSeq:       seq,
		MsgTime:      tsSeconds,
		SenderUid:    "u_alice",
		SendNickName: "Alice",
		MsgType:      2,
		ChatType:     1,
		PeerUid:      "u_bob",
		Elements: []bridge.Element{
			{Text: &bridge.TextElement{Content: content}},
		},
	}
}

func TestParseTextMessage(t *testing.T) {
	p := newTestParser(t)
	m := textMessage("M1", "100", "1700000010", "hello world")

	out := p.Parse(&m)
	assert.Equal(t, "M1", out.MessageID)
	assert.Equal(t, int64(100), out.MessageSeq)
	assert.Equal(t, int64(1700000010000), out.Timestamp)
	assert.Equal(t, "hello world", out.Content.Text)
	assert.Equal(t, "hello world", out.Content.HTML)
	assert.Equal(t, "Alice", out.Sender.DisplayName)
	assert.Equal(t, 1, out.Stats.ElementCount)
	assert.Equal(t, len("hello world"), out.Stats.TextLength)
}

func TestParseTimestampAlreadyMillis(t *testing.T) {
	p := newTestParser(t)
	m := textMessage("M1", "1", "1700000010000", "x")
	out := p.Parse(&m)
	assert.Equal(t, int64(1700000010000), out.Timestamp)
}

func TestDisplayNamePriority(t *testing.T) {
	cases := []struct {
		name string
		m    bridge.RawMessage
		want string
	}{
		{"group card wins", bridge.RawMessage{SendMemberName: "card", SendRemarkName: "rem", SendNickName: "nick", SenderUin: "123", SenderUid: "u"}, "card"},
		{"remark next", bridge.RawMessage{SendRemarkName: "rem", SendNickName: "nick", SenderUin: "123", SenderUid: "u"}, "rem"},
		{"nickname next", bridge.RawMessage{SendNickName: "nick", SenderUin: "123", SenderUid: "u"}, "nick"},
		{"uin next", bridge.RawMessage{SenderUin: "123", SenderUid: "u"}, "123"},
		{"uid next", bridge.RawMessage{SenderUid: "u"}, "u"},
		{"unknown last", bridge.RawMessage{}, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, displayName(&tc.m))
		})
	}
}

func TestEscapeHTML(t *testing.T) {
	assert.Equal(t, "plain text", escapeHTML("plain text"))
	assert.Equal(t, "a &lt;b&gt; &amp; &quot;c&quot; &#39;d&#39;", escapeHTML(`a <b> & "c" 'd'`))

	p := newTestParser(t)
	m := textMessage("M1", "1", "1700000010", `<script>alert("x")</script>`)
	out := p.Parse(&m)
	assert.NotContains(t, out.Content.HTML, "<script>")
	assert.Contains(t, out.Content.HTML, "&lt;script&gt;")
}

func TestParseMentions(t *testing.T) {
	p := newTestParser(t)
	m := bridge.RawMessage{
		MsgID: "M1", MsgSeq: "1", MsgTime: "1700000010",
		SenderUid: "u_a", ChatType: 2, PeerUid: "12345",
		Elements: []bridge.Element{
			{Text: &bridge.TextElement{Content: "@everyone", AtType: bridge.AtAll}},
			{Text: &bridge.TextElement{Content: " hi "}},
			{Text: &bridge.TextElement{Content: "@Bob", AtType: bridge.AtUser, AtNtUid: "u_bob"}},
		},
	}
	out := p.Parse(&m)
	require.Len(t, out.Content.Mentions, 2)
	assert.True(t, out.Content.Mentions[0].All)
	assert.Equal(t, "u_bob", out.Content.Mentions[1].Uid)
	assert.Equal(t, "@everyone hi @Bob", out.Content.Text)
	assert.Equal(t, "group", out.Receiver.Type)
}

func TestParsePictureResource(t *testing.T) {
	p := newTestParser(t)
	m := bridge.RawMessage{
		MsgID: "M1", MsgSeq: "1", MsgTime: "1700000010", SenderUid: "u_a",
		ChatType: 1, PeerUid: "u_b",
		Elements: []bridge.Element{
			{ElementID: "E1", Pic: &bridge.PicElement{
				FileName:  "photo.jpg",
				FileSize:  "2048",
				Md5HexStr: "ABCDEF0123456789",
			}},
		},
	}
	out := p.Parse(&m)
	require.Len(t, out.Content.Resources, 1)
	res := out.Content.Resources[0]
	assert.Equal(t, ResourceImage, res.Type)
	assert.Equal(t, "photo.jpg", res.FileName)
	assert.Equal(t, int64(2048), res.FileSize)
	assert.Equal(t, "abcdef0123456789", res.Md5)
	assert.Equal(t, "M1", res.MsgID)
	assert.Equal(t, "E1", res.ElementID)
	assert.Equal(t, 1, out.Stats.ResourceCount)
	assert.Contains(t, out.Content.Text, "[image: photo.jpg]")
}

func TestParseVoiceCarriesUUID(t *testing.T) {
	p := newTestParser(t)
	m := bridge.RawMessage{
		MsgID: "M1", MsgSeq: "1", MsgTime: "1700000010", SenderUid: "u_a",
		Elements: []bridge.Element{
			{Ptt: &bridge.PttElement{FileName: "v.amr", FileUuid: "uuid-1", Duration: 3}},
		},
	}
	out := p.Parse(&m)
	require.Len(t, out.Content.Resources, 1)
	assert.Equal(t, ResourceAudio, out.Content.Resources[0].Type)
	assert.Equal(t, "uuid-1", out.Content.Resources[0].FileUUID)
	assert.Contains(t, out.Content.Text, "[voice 3s]")
}

func TestReplyResolvedFromRecords(t *testing.T) {
	p := newTestParser(t)
	m := bridge.RawMessage{
		MsgID: "M8", MsgSeq: "8", MsgTime: "1700000020", SenderUid: "u_a",
		Elements: []bridge.Element{
			{Reply: &bridge.ReplyElement{SourceMsgIdInRecords: "M7"}},
			{Text: &bridge.TextElement{Content: "sure"}},
		},
		Records: []bridge.RawMessage{
			{
				MsgID: "M7", MsgSeq: "7", MsgTime: "1700000010",
				SendNickName: "Bob",
				Elements:     []bridge.Element{{Text: &bridge.TextElement{Content: "hi"}}},
			},
		},
	}
	out := p.Parse(&m)
	require.NotNil(t, out.Content.Reply)
	require.NotNil(t, out.Content.Reply.ReferencedMessageID)
	assert.Equal(t, "M7", *out.Content.Reply.ReferencedMessageID)
	assert.Equal(t, "hi", out.Content.Reply.Content)
	assert.Equal(t, "Bob", out.Content.Reply.SenderName)
}

func TestReplyResolvedFromIndexBySeq(t *testing.T) {
	p := newTestParser(t)

	seen := textMessage("M7", "7", "1700000010", "earlier text")
	p.Parse(&seen)

	m := bridge.RawMessage{
		MsgID: "M9", MsgSeq: "9", MsgTime: "1700000030", SenderUid: "u_a",
		Elements: []bridge.Element{
			{Reply: &bridge.ReplyElement{ReplayMsgSeq: "7"}},
		},
	}
	out := p.Parse(&m)
	require.NotNil(t, out.Content.Reply)
	require.NotNil(t, out.Content.Reply.ReferencedMessageID)
	assert.Equal(t, "M7", *out.Content.Reply.ReferencedMessageID)
	assert.Equal(t, "earlier text", out.Content.Reply.Content)
}

func TestReplyUnresolvedFallsBack(t *testing.T) {
	p := newTestParser(t)
	m := bridge.RawMessage{
		MsgID: "M9", MsgSeq: "9", MsgTime: "1700000030", SenderUid: "u_a",
		Elements: []bridge.Element{
			{Reply: &bridge.ReplyElement{ReplayMsgSeq: "404"}},
		},
	}
	out := p.Parse(&m)
	require.NotNil(t, out.Content.Reply)
	assert.Nil(t, out.Content.Reply.ReferencedMessageID)
	assert.Equal(t, "original message", out.Content.Reply.Content)
}

func TestUnknownElementPreserved(t *testing.T) {
	p := newTestParser(t)
	m := bridge.RawMessage{
		MsgID: "M1", MsgSeq: "1", MsgTime: "1700000010", SenderUid: "u_a",
		Elements: []bridge.Element{
			{Raw: []byte(`{"futureElement":{"x":1}}`)},
		},
	}
	out := p.Parse(&m)
	require.Len(t, out.Content.Special, 1)
	assert.Equal(t, "unknown", out.Content.Special[0].Type)
	assert.Contains(t, out.Content.Special[0].Data, "futureElement")
}

func TestSystemMessageDetected(t *testing.T) {
	p := newTestParser(t)
	m := bridge.RawMessage{
		MsgID: "M1", MsgSeq: "1", MsgTime: "1700000010",
		Elements: []bridge.Element{
			{GrayTip: &bridge.GrayTipElement{Content: "Bob joined the group"}},
		},
	}
	out := p.Parse(&m)
	assert.True(t, out.IsSystem)
	assert.Contains(t, out.Content.Text, "Bob joined the group")
}

func TestParseBatchPreservesOrder(t *testing.T) {
	p := newTestParser(t)
	batch := make([]bridge.RawMessage, 100)
	for i := range batch {
		batch[i] = textMessage(fmt.Sprintf("M%d", i), fmt.Sprintf("%d", i), "1700000010", fmt.Sprintf("msg %d", i))
	}
	out, err := p.ParseBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 100)
	for i := range out {
		assert.Equal(t, fmt.Sprintf("M%d", i), out[i].MessageID)
	}
}

func TestParseBatchConcurrentReplyLookups(t *testing.T) {
	p := newTestParser(t)

	seed := make([]bridge.RawMessage, 50)
	for i := range seed {
		seed[i] = textMessage(fmt.Sprintf("S%d", i), fmt.Sprintf("%d", i), "1700000010", fmt.Sprintf("seed %d", i))
	}
	_, err := p.ParseBatch(context.Background(), seed)
	require.NoError(t, err)

	batch := make([]bridge.RawMessage, 200)
	for i := range batch {
		batch[i] = bridge.RawMessage{
			MsgID: fmt.Sprintf("R%d", i), MsgSeq: fmt.Sprintf("%d", 1000+i),
			MsgTime: "1700000020", SenderUid: "u_a",
			Elements: []bridge.Element{
				{Reply: &bridge.ReplyElement{ReplayMsgSeq: fmt.Sprintf("%d", i%50)}},
				{Text: &bridge.TextElement{Content: "ack"}},
			},
		}
	}
	out, err := p.ParseBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 200)
	for i := range out {
		require.NotNil(t, out[i].Content.Reply, "message %d", i)
		require.NotNil(t, out[i].Content.Reply.ReferencedMessageID, "message %d", i)
		assert.Equal(t, fmt.Sprintf("S%d", i%50), *out[i].Content.Reply.ReferencedMessageID)
		assert.Equal(t, fmt.Sprintf("seed %d", i%50), out[i].Content.Reply.Content)
	}
}

func TestParseStreamDeliversAllBatches(t *testing.T) {
	p := newTestParser(t)
	in := make(chan []bridge.RawMessage, 3)
	for b := 0; b < 3; b++ {
		batch := make([]bridge.RawMessage, 10)
		for i := range batch {
			batch[i] = textMessage(fmt.Sprintf("M%d-%d", b, i), "1", "1700000010", "x")
		}
		in <- batch
	}
	close(in)

	total := 0
	err := p.ParseStream(context.Background(), in, func(_ context.Context, parsed []ParsedMessage) error {
		total += len(parsed)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 30, total)
}

func TestUpdateResourcePaths(t *testing.T) {
	p := newTestParser(t)
	m := bridge.RawMessage{
		MsgID: "M1", MsgSeq: "1", MsgTime: "1700000010", SenderUid: "u_a",
		Elements: []bridge.Element{
			{ElementID: "E1", Pic: &bridge.PicElement{FileName: "photo.jpg", Md5HexStr: "aabbcc"}},
		},
	}
	msgs := []ParsedMessage{p.Parse(&m)}
	UpdateResourcePaths(msgs, map[string]string{
		"aabbcc": "/data/resources/images/aabbcc_photo.jpg",
	})

	res := msgs[0].Content.Resources[0]
	assert.Equal(t, "/data/resources/images/aabbcc_photo.jpg", res.LocalPath)
	assert.True(t, strings.Contains(msgs[0].Content.HTML, `src="resources/images/aabbcc_photo.jpg"`))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 10))
	assert.Equal(t, "ab…", truncateRunes("abcdef", 2))
	assert.Equal(t, "你好…", truncateRunes("你好世界啊", 2))
}
