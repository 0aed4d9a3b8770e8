package parser

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quenlab/qce/bridge"
)

// replyIndexCapacity bounds each of the three lookup maps.
const replyIndexCapacity = 50_000

// replyPlaceholder is emitted when a reply target cannot be resolved.
const replyPlaceholder = "original message"

// replyPreviewLimit truncates synthesized reply content, in runes.
const replyPreviewLimit = 120

// seenMessage is the minimal record kept per message for reply resolution.
type seenMessage struct {
	MsgID      string
	MsgSeq     string
	ClientSeq  string
	SenderName string
	Preview    string
}

// replyIndex resolves reply references against recently seen messages.
// Three LRU maps share one record so a reply can be found by message id,
// sequence, or client sequence. Batch workers read and write it
// concurrently; the lru caches lock internally.
type replyIndex struct {
	byMsgID     *lru.Cache[string, *seenMessage]
	bySeq       *lru.Cache[string, *seenMessage]
	byClientSeq *lru.Cache[string, *seenMessage]
}

func newReplyIndex(capacity int) (*replyIndex, error) {
	byID, err := lru.New[string, *seenMessage](capacity)
	if err != nil {
		return nil, err
	}
	bySeq, err := lru.New[string, *seenMessage](capacity)
	if err != nil {
		return nil, err
	}
	byClient, err := lru.New[string, *seenMessage](capacity)
	if err != nil {
		return nil, err
	}
	return &replyIndex{byMsgID: byID, bySeq: bySeq, byClientSeq: byClient}, nil
}

// remember records a message for later reply lookups. preview is the
// already-rendered text of the message, truncated here.
func (ri *replyIndex) remember(m *bridge.RawMessage, senderName, preview string) {
	rec := &seenMessage{
		MsgID:      m.MsgID,
		MsgSeq:     m.MsgSeq,
		ClientSeq:  m.ClientSeq,
		SenderName: senderName,
		Preview:    truncateRunes(preview, replyPreviewLimit),
	}
	if rec.MsgID != "" {
		ri.byMsgID.Add(rec.MsgID, rec)
	}
	if rec.MsgSeq != "" {
		ri.bySeq.Add(rec.MsgSeq, rec)
	}
	if rec.ClientSeq != "" {
		ri.byClientSeq.Add(rec.ClientSeq, rec)
	}
}

// resolve looks a reply element up, in order: the explicit source id, the
// carrying message's records, the index by sequence, the index by client
// sequence. Returns nil when nothing matched.
func (ri *replyIndex) resolve(el *bridge.ReplyElement, records []bridge.RawMessage, render func(*bridge.RawMessage) (string, string)) *seenMessage {
	if el.SourceMsgIdInRecords != "" {
		for i := range records {
			if records[i].MsgID == el.SourceMsgIdInRecords {
				return ri.fromRecord(&records[i], render)
			}
		}
		if rec, ok := ri.byMsgID.Get(el.SourceMsgIdInRecords); ok {
			return rec
		}
	}
	if len(records) > 0 {
		return ri.fromRecord(&records[0], render)
	}
	if el.ReplayMsgSeq != "" {
		if rec, ok := ri.bySeq.Get(el.ReplayMsgSeq); ok {
			return rec
		}
	}
	if el.ReplyMsgClientSeq != "" {
		if rec, ok := ri.byClientSeq.Get(el.ReplyMsgClientSeq); ok {
			return rec
		}
	}
	return nil
}

func (ri *replyIndex) fromRecord(m *bridge.RawMessage, render func(*bridge.RawMessage) (string, string)) *seenMessage {
	name, preview := render(m)
	return &seenMessage{
		MsgID:      m.MsgID,
		MsgSeq:     m.MsgSeq,
		ClientSeq:  m.ClientSeq,
		SenderName: name,
		Preview:    truncateRunes(preview, replyPreviewLimit),
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
