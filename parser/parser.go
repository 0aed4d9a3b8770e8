package parser

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/sym"
)

const (
	// yieldEvery is how many messages each worker handles before yielding.
	yieldEvery = 1000
	// memoryCeilingPercent triggers a GC hint between batches.
	memoryCeilingPercent = 85.0
)

// workerCount sizes the parse pool.
func workerCount() int {
	n := 2 * runtime.NumCPU()
	if n < 4 {
		n = 4
	}
	if n > 32 {
		n = 32
	}
	return n
}

// Parser turns raw messages into ParsedMessages. One instance serves one
// export; the reply index is per-instance.
type Parser struct {
	replies *replyIndex
	logger  *zap.SugaredLogger
	workers int
}

// New creates a parser with the default reply-index capacity.
func New(logger *zap.SugaredLogger) (*Parser, error) {
	replies, err := newReplyIndex(replyIndexCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "create reply index")
	}
	return &Parser{replies: replies, logger: logger, workers: workerCount()}, nil
}

// Parse normalizes one raw message. A panic anywhere in parsing yields a
// stub message marked failed; messages are never dropped.
func (p *Parser) Parse(m *bridge.RawMessage) (out ParsedMessage) {
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Warnw("Message parse failed",
				"symbol", sym.Export,
				"msg_id", m.MsgID,
				"panic", rec,
			)
			out = stubMessage(m, fmt.Sprintf("%v", rec))
		}
	}()

	r := &rendering{}
	for i := range m.Elements {
		p.renderElement(r, m, &m.Elements[i])
	}

	name := displayName(m)
	text := r.text.String()
	p.replies.remember(m, name, text)

	out = ParsedMessage{
		MessageID:   m.MsgID,
		MessageSeq:  m.SeqInt(),
		Timestamp:   bridge.PromoteMillis(m.TimeSeconds()),
		Sender: Sender{
			Uid:         m.SenderUid,
			Uin:         m.SenderUin,
			DisplayName: name,
			Nickname:    m.SendNickName,
			GroupCard:   m.SendMemberName,
			Remark:      m.SendRemarkName,
		},
		Receiver:    Receiver{Uid: m.PeerUid, Type: receiverType(m.ChatType)},
		MessageType: m.MsgType,
		IsSystem:    isSystem(m),
		IsRecalled:  m.Recalled(),
		IsTemp:      m.ChatType == 100,
		Content:     r.c,
		RawRef:      m.MsgID,
	}
	out.Content.Text = text
	out.Content.HTML = r.html.String()
	out.Stats = Stats{
		ElementCount:     len(m.Elements),
		ResourceCount:    len(out.Content.Resources),
		TextLength:       len(text),
		ProcessingMillis: time.Since(started).Milliseconds(),
	}
	return out
}

// ParseStream parses batches from in, preserving per-batch order, and hands
// each parsed batch to onBatch. Workers run per batch; a soft memory
// ceiling triggers a GC hint between batches.
func (p *Parser) ParseStream(ctx context.Context, in <-chan []bridge.RawMessage, onBatch func(context.Context, []ParsedMessage) error) error {
	processed := 0
	for {
		select {
		case <-ctx.Done():
			return errors.ErrCanceled
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			parsed, err := p.ParseBatch(ctx, batch)
			if err != nil {
				return err
			}
			if err := onBatch(ctx, parsed); err != nil {
				return err
			}
			processed += len(batch)
			p.maybeReclaim(processed)
		}
	}
}

// ParseBatch parses one batch concurrently, preserving slice order.
func (p *Parser) ParseBatch(ctx context.Context, batch []bridge.RawMessage) ([]ParsedMessage, error) {
	out := make([]ParsedMessage, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range batch {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return errors.ErrCanceled
			}
			out[i] = p.Parse(&batch[i])
			if i > 0 && i%yieldEvery == 0 {
				runtime.Gosched()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// maybeReclaim hints the GC between batches when system memory is tight.
func (p *Parser) maybeReclaim(processed int) {
	if processed == 0 || processed%(yieldEvery*10) != 0 {
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	if vm.UsedPercent >= memoryCeilingPercent {
		p.logger.Debugw("Memory ceiling reached, hinting GC",
			"symbol", sym.Export,
			"used_percent", vm.UsedPercent,
			"processed", processed,
		)
		runtime.GC()
	}
}

// UpdateResourcePaths applies materialized local paths onto parsed messages
// and rewrites the HTML rendering to reference them. paths maps md5 to the
// absolute local path.
func UpdateResourcePaths(msgs []ParsedMessage, paths map[string]string) {
	for mi := range msgs {
		content := &msgs[mi].Content
		for ri := range content.Resources {
			res := &content.Resources[ri]
			local, ok := paths[res.Md5]
			if !ok || local == "" {
				continue
			}
			res.LocalPath = local
			rel := path.Join("resources", string(res.Type)+"s", filepath.Base(local))
			needle := `data-md5="` + res.Md5 + `"`
			attr := `src="` + rel + `" `
			if res.Type == ResourceFile {
				attr = `href="` + rel + `" `
			}
			content.HTML = strings.ReplaceAll(content.HTML, needle, attr+needle)
		}
	}
}

// displayName resolves a sender name: group card, remark, nickname, uin,
// uid, then "unknown".
func displayName(m *bridge.RawMessage) string {
	switch {
	case m.SendMemberName != "":
		return m.SendMemberName
	case m.SendRemarkName != "":
		return m.SendRemarkName
	case m.SendNickName != "":
		return m.SendNickName
	case m.SenderUin != "":
		return m.SenderUin
	case m.SenderUid != "":
		return m.SenderUid
	default:
		return "unknown"
	}
}

// isSystem reports whether the message is a system notice (gray tip only).
func isSystem(m *bridge.RawMessage) bool {
	if len(m.Elements) == 0 {
		return false
	}
	for i := range m.Elements {
		if m.Elements[i].Kind() != bridge.KindGrayTip {
			return false
		}
	}
	return true
}

// receiverType maps the upstream numeric chat type.
func receiverType(chatType int) string {
	if chatType == 2 {
		return string(bridge.ChatGroup)
	}
	return string(bridge.ChatPrivate)
}

// stubMessage is the never-drop fallback for a message-level parse failure.
func stubMessage(m *bridge.RawMessage, cause string) ParsedMessage {
	return ParsedMessage{
		MessageID:   m.MsgID,
		MessageSeq:  m.SeqInt(),
		Timestamp:   bridge.PromoteMillis(m.TimeSeconds()),
		Sender:      Sender{Uid: m.SenderUid, Uin: m.SenderUin, DisplayName: displayName(m)},
		Receiver:    Receiver{Uid: m.PeerUid, Type: receiverType(m.ChatType)},
		MessageType: m.MsgType,
		IsRecalled:  m.Recalled(),
		Content: Content{
			Text:    "[message could not be parsed]",
			Special: []Special{{Type: "error_message", Data: cause}},
		},
		RawRef:     m.MsgID,
		ParseError: cause,
	}
}
