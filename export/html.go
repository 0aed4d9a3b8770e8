package export

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/parser"
)

// HTMLExporter writes a self-contained document, oldest first. Media is
// referenced relatively (resources/<type>s/<key>_<name>); already-rewritten
// content HTML needs no network access to render downloaded media.
type HTMLExporter struct{}

func (e *HTMLExporter) Extension() string { return "html" }

const htmlHead = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<title>%TITLE%</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 0 auto; max-width: 860px; padding: 16px; background: #f5f5f5; }
h1 { font-size: 1.2rem; }
.day { text-align: center; color: #888; margin: 18px 0 8px; font-size: .85rem; }
.msg { background: #fff; border-radius: 8px; padding: 8px 12px; margin: 6px 0; }
.msg.recalled { opacity: .55; }
.hdr { color: #555; font-size: .8rem; margin-bottom: 4px; }
.hdr .name { font-weight: 600; color: #1a73e8; }
.body { word-break: break-word; }
.body img.resource { max-width: 320px; border-radius: 4px; display: block; }
.body img.resource:not([src]) { width: 160px; height: 100px; background: #ddd url('data:image/svg+xml;utf8,<svg xmlns="http://www.w3.org/2000/svg" width="24" height="24"><path fill="%23999" d="M21 19V5a2 2 0 0 0-2-2H5a2 2 0 0 0-2 2v14a2 2 0 0 0 2 2h14a2 2 0 0 0 2-2zM8.5 13.5l2.5 3 3.5-4.5 4.5 6H5z"/></svg>') center no-repeat; }
.body video, .body audio { max-width: 100%; }
.reply { border-left: 3px solid #ccc; color: #777; margin: 4px 0; padding-left: 8px; font-size: .85rem; }
.system { color: #999; font-size: .85rem; }
.mention { color: #1a73e8; }
a.file { color: #1a73e8; text-decoration: underline; }
</style>
</head>
<body>
`

func (e *HTMLExporter) Export(w io.Writer, chat ChatInfo, _ bridge.TimeWindow, msgs []parser.ParsedMessage, counts Counts) error {
	bw := bufio.NewWriter(w)

	title := htmlEscape(chat.Name)
	bw.WriteString(strings.Replace(htmlHead, "%TITLE%", title, 1))
	bw.WriteString("<h1>")
	bw.WriteString(title)
	bw.WriteString("</h1>\n")

	var lastDay string
	ascending(msgs, func(m *parser.ParsedMessage) {
		ts := time.UnixMilli(m.Timestamp).Local()
		day := ts.Format("2006-01-02")
		if day != lastDay {
			bw.WriteString(`<div class="day">`)
			bw.WriteString(day)
			bw.WriteString("</div>\n")
			lastDay = day
		}

		cls := "msg"
		if m.IsRecalled {
			cls += " recalled"
		}
		bw.WriteString(`<div class="`)
		bw.WriteString(cls)
		bw.WriteString(`"><div class="hdr"><span class="name">`)
		bw.WriteString(htmlEscape(m.Sender.DisplayName))
		bw.WriteString(`</span> `)
		bw.WriteString(ts.Format("15:04:05"))
		bw.WriteString(`</div><div class="body">`)
		if m.Content.HTML != "" {
			bw.WriteString(m.Content.HTML)
		} else {
			bw.WriteString(htmlEscape(m.Content.Text))
		}
		bw.WriteString("</div></div>\n")
	})

	bw.WriteString("</body>\n</html>\n")
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "flush html")
	}
	return nil
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

func htmlEscape(s string) string {
	if strings.IndexAny(s, `&<>"'`) < 0 {
		return s
	}
	return htmlEscaper.Replace(s)
}
