package export

import (
	"bufio"
	"io"
	"time"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/parser"
)

// TXTExporter writes one line per message, oldest first, with a date header
// whenever the local day changes.
type TXTExporter struct {
	IncludeSystemMessages bool
}

func (e *TXTExporter) Extension() string { return "txt" }

func (e *TXTExporter) Export(w io.Writer, chat ChatInfo, _ bridge.TimeWindow, msgs []parser.ParsedMessage, _ Counts) error {
	bw := bufio.NewWriter(w)

	bw.WriteString(chat.Name)
	bw.WriteString("\n\n")

	var lastDay string
	ascending(msgs, func(m *parser.ParsedMessage) {
		if m.IsSystem && !e.IncludeSystemMessages {
			return
		}
		ts := time.UnixMilli(m.Timestamp).Local()
		day := ts.Format("2006-01-02")
		if day != lastDay {
			bw.WriteString("==== ")
			bw.WriteString(day)
			bw.WriteString(" ====\n")
			lastDay = day
		}
		bw.WriteString(ts.Format("15:04:05"))
		bw.WriteString(" ")
		bw.WriteString(m.Sender.DisplayName)
		bw.WriteString(": ")
		bw.WriteString(m.Content.Text)
		bw.WriteString("\n")
	})

	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "flush txt")
	}
	return nil
}
