package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quenlab/qce/bridge"
)

// rendering accumulates the text and HTML chunks for one message. Both are
// chunk lists flushed once at the end, never rebuilt per element.
type rendering struct {
	text strings.Builder
	html strings.Builder
	raw  strings.Builder
	c    Content
}

// renderElement dispatches one element into the rendering. A panic inside a
// variant renderer is converted to a special error entry so the rest of the
// message survives.
func (p *Parser) renderElement(r *rendering, m *bridge.RawMessage, el *bridge.Element) {
	kind := el.Kind()
	defer func() {
		if rec := recover(); rec != nil {
			r.c.Special = append(r.c.Special, Special{
				Type: "error_" + string(kind),
				Data: fmt.Sprintf("%v", rec),
			})
		}
	}()

	switch kind {
	case bridge.KindText:
		p.renderText(r, el.Text)
	case bridge.KindPicture:
		p.renderPicture(r, m, el)
	case bridge.KindFile:
		p.renderFile(r, m, el)
	case bridge.KindVideo:
		p.renderVideo(r, m, el)
	case bridge.KindVoice:
		p.renderVoice(r, m, el)
	case bridge.KindFace:
		p.renderFace(r, el.Face)
	case bridge.KindMarketFace:
		p.renderMarketFace(r, el.MarketFace)
	case bridge.KindReply:
		p.renderReply(r, m, el.Reply)
	case bridge.KindArk:
		p.renderArk(r, el.Ark)
	case bridge.KindMultiForward:
		p.renderMultiForward(r, el.MultiForward)
	case bridge.KindLocation:
		p.renderLocation(r, el.Location)
	case bridge.KindGrayTip:
		p.renderGrayTip(r, el.GrayTip)
	case bridge.KindMarkdown:
		p.renderMarkdown(r, el.Markdown)
	case bridge.KindCalendar:
		p.renderCalendar(r, el.Calendar)
	default:
		r.c.Special = append(r.c.Special, Special{Type: "unknown", Data: string(el.Raw)})
		r.text.WriteString("[unsupported]")
	}
}

func (p *Parser) renderText(r *rendering, t *bridge.TextElement) {
	switch t.AtType {
	case bridge.AtAll:
		r.c.Mentions = append(r.c.Mentions, Mention{All: true, Text: t.Content})
		r.text.WriteString(t.Content)
		r.html.WriteString(`<span class="mention">`)
		r.html.WriteString(escapeHTML(t.Content))
		r.html.WriteString(`</span>`)
	case bridge.AtUser:
		uid := t.AtNtUid
		if uid == "" {
			uid = t.AtUid
		}
		r.c.Mentions = append(r.c.Mentions, Mention{Uid: uid, Text: t.Content})
		r.text.WriteString(t.Content)
		r.html.WriteString(`<span class="mention">`)
		r.html.WriteString(escapeHTML(t.Content))
		r.html.WriteString(`</span>`)
	default:
		r.text.WriteString(t.Content)
		r.html.WriteString(escapeHTML(t.Content))
	}
}

func (p *Parser) renderPicture(r *rendering, m *bridge.RawMessage, el *bridge.Element) {
	pic := el.Pic
	res := Resource{
		Type:        ResourceImage,
		FileName:    pic.FileName,
		FileSize:    parseSize(pic.FileSize),
		Md5:         strings.ToLower(pic.Md5HexStr),
		OriginalURL: pic.OriginImageURL,
		MsgID:       m.MsgID,
		ElementID:   el.ElementID,
		SourcePath:  pic.SourcePath,
	}
	r.c.Resources = append(r.c.Resources, res)
	r.text.WriteString("[image: ")
	r.text.WriteString(pic.FileName)
	r.text.WriteString("]")
	r.html.WriteString(`<img class="resource" data-md5="`)
	r.html.WriteString(res.Md5)
	r.html.WriteString(`" alt="`)
	r.html.WriteString(escapeHTML(pic.FileName))
	r.html.WriteString(`">`)
}

func (p *Parser) renderFile(r *rendering, m *bridge.RawMessage, el *bridge.Element) {
	f := el.File
	res := Resource{
		Type:       ResourceFile,
		FileName:   f.FileName,
		FileSize:   parseSize(f.FileSize),
		Md5:        strings.ToLower(f.FileMd5),
		MsgID:      m.MsgID,
		ElementID:  el.ElementID,
		SourcePath: f.FilePath,
	}
	r.c.Resources = append(r.c.Resources, res)
	r.text.WriteString("[file: ")
	r.text.WriteString(f.FileName)
	r.text.WriteString("]")
	r.html.WriteString(`<a class="resource file" data-md5="`)
	r.html.WriteString(res.Md5)
	r.html.WriteString(`">`)
	r.html.WriteString(escapeHTML(f.FileName))
	r.html.WriteString(`</a>`)
}

func (p *Parser) renderVideo(r *rendering, m *bridge.RawMessage, el *bridge.Element) {
	v := el.Video
	res := Resource{
		Type:       ResourceVideo,
		FileName:   v.FileName,
		FileSize:   parseSize(v.FileSize),
		Md5:        strings.ToLower(v.VideoMd5),
		MsgID:      m.MsgID,
		ElementID:  el.ElementID,
		SourcePath: v.FilePath,
	}
	r.c.Resources = append(r.c.Resources, res)
	r.text.WriteString("[video: ")
	r.text.WriteString(v.FileName)
	r.text.WriteString("]")
	r.html.WriteString(`<video class="resource" controls data-md5="`)
	r.html.WriteString(res.Md5)
	r.html.WriteString(`"></video>`)
}

func (p *Parser) renderVoice(r *rendering, m *bridge.RawMessage, el *bridge.Element) {
	ptt := el.Ptt
	res := Resource{
		Type:       ResourceAudio,
		FileName:   ptt.FileName,
		FileSize:   parseSize(ptt.FileSize),
		Md5:        strings.ToLower(ptt.Md5HexStr),
		MsgID:      m.MsgID,
		ElementID:  el.ElementID,
		SourcePath: ptt.FilePath,
		FileUUID:   ptt.FileUuid,
	}
	r.c.Resources = append(r.c.Resources, res)
	if ptt.Duration > 0 {
		fmt.Fprintf(&r.text, "[voice %ds]", ptt.Duration)
	} else {
		r.text.WriteString("[voice]")
	}
	r.html.WriteString(`<audio class="resource" controls data-md5="`)
	r.html.WriteString(res.Md5)
	r.html.WriteString(`"></audio>`)
}

func (p *Parser) renderFace(r *rendering, f *bridge.FaceElement) {
	name := f.FaceText
	if name == "" {
		name = "face"
	}
	r.c.Emojis = append(r.c.Emojis, Emoji{ID: strconv.Itoa(f.FaceIndex), Name: name, Kind: "face"})
	r.text.WriteString("[")
	r.text.WriteString(name)
	r.text.WriteString("]")
	r.html.WriteString(`<span class="face">[`)
	r.html.WriteString(escapeHTML(name))
	r.html.WriteString(`]</span>`)
}

func (p *Parser) renderMarketFace(r *rendering, f *bridge.MarketFaceElement) {
	name := f.FaceName
	if name == "" {
		name = "sticker"
	}
	r.c.Emojis = append(r.c.Emojis, Emoji{ID: f.EmojiID, Name: name, Kind: "market_face"})
	r.text.WriteString("[")
	r.text.WriteString(name)
	r.text.WriteString("]")
	r.html.WriteString(`<span class="market-face">[`)
	r.html.WriteString(escapeHTML(name))
	r.html.WriteString(`]</span>`)
}

func (p *Parser) renderReply(r *rendering, m *bridge.RawMessage, el *bridge.ReplyElement) {
	rec := p.replies.resolve(el, m.Records, p.renderRecord)
	reply := &Reply{Content: replyPlaceholder}
	if rec != nil {
		id := rec.MsgID
		reply.ReferencedMessageID = &id
		reply.SenderName = rec.SenderName
		if rec.Preview != "" {
			reply.Content = rec.Preview
		}
	}
	r.c.Reply = reply
	r.text.WriteString("[reply to ")
	if reply.SenderName != "" {
		r.text.WriteString(reply.SenderName)
		r.text.WriteString(": ")
	}
	r.text.WriteString(reply.Content)
	r.text.WriteString("] ")
	r.html.WriteString(`<blockquote class="reply">`)
	if reply.SenderName != "" {
		r.html.WriteString(`<cite>`)
		r.html.WriteString(escapeHTML(reply.SenderName))
		r.html.WriteString(`</cite> `)
	}
	r.html.WriteString(escapeHTML(reply.Content))
	r.html.WriteString(`</blockquote>`)
}

func (p *Parser) renderArk(r *rendering, a *bridge.ArkElement) {
	r.c.Card = a.BytesData
	r.text.WriteString("[card]")
	r.html.WriteString(`<div class="ark-card">[card]</div>`)
}

func (p *Parser) renderMultiForward(r *rendering, f *bridge.MultiForwardElement) {
	r.c.MultiForward = &MultiForward{ResID: f.ResID, FileName: f.FileName, Preview: f.XMLContent}
	r.text.WriteString("[forwarded messages]")
	r.html.WriteString(`<div class="multi-forward">[forwarded messages]</div>`)
}

func (p *Parser) renderLocation(r *rendering, l *bridge.LocationElement) {
	r.c.Location = &Location{Text: l.Text, Latitude: l.Latitude, Longitude: l.Longitude}
	r.text.WriteString("[location")
	if l.Text != "" {
		r.text.WriteString(": ")
		r.text.WriteString(l.Text)
	}
	r.text.WriteString("]")
	r.html.WriteString(`<span class="location">[location: `)
	r.html.WriteString(escapeHTML(l.Text))
	r.html.WriteString(`]</span>`)
}

func (p *Parser) renderGrayTip(r *rendering, g *bridge.GrayTipElement) {
	data := g.Content
	if data == "" && len(g.JSONGrayTip) > 0 {
		data = string(g.JSONGrayTip)
	}
	r.c.Special = append(r.c.Special, Special{Type: "system", Data: data})
	if g.Content != "" {
		r.text.WriteString(g.Content)
		r.html.WriteString(`<span class="system">`)
		r.html.WriteString(escapeHTML(g.Content))
		r.html.WriteString(`</span>`)
	}
}

func (p *Parser) renderMarkdown(r *rendering, md *bridge.MarkdownElement) {
	r.text.WriteString(md.Content)
	r.html.WriteString(`<div class="markdown">`)
	r.html.WriteString(escapeHTML(md.Content))
	r.html.WriteString(`</div>`)
}

func (p *Parser) renderCalendar(r *rendering, c *bridge.CalendarElement) {
	r.c.Calendar = &Calendar{Summary: c.Summary, StartTime: c.StartTime, EndTime: c.EndTime, Location: c.Location}
	r.text.WriteString("[calendar: ")
	r.text.WriteString(c.Summary)
	r.text.WriteString("]")
	r.html.WriteString(`<div class="calendar">[calendar: `)
	r.html.WriteString(escapeHTML(c.Summary))
	r.html.WriteString(`]</div>`)
}

// renderRecord produces a sender name and a text-only preview for a
// referenced message, using the same rules as full parsing.
func (p *Parser) renderRecord(m *bridge.RawMessage) (string, string) {
	var text strings.Builder
	for i := range m.Elements {
		el := &m.Elements[i]
		switch el.Kind() {
		case bridge.KindText:
			text.WriteString(el.Text.Content)
		case bridge.KindPicture:
			text.WriteString("[image]")
		case bridge.KindFile:
			text.WriteString("[file]")
		case bridge.KindVideo:
			text.WriteString("[video]")
		case bridge.KindVoice:
			text.WriteString("[voice]")
		case bridge.KindFace, bridge.KindMarketFace:
			text.WriteString("[sticker]")
		}
	}
	return displayName(m), text.String()
}

// parseSize parses an upstream decimal size string; zero when absent or
// malformed.
func parseSize(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
