package export

import (
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/parser"
)

// Meta is the JSON artifact header.
type Meta struct {
	Version     string            `json:"version"`
	GeneratedAt string            `json:"generatedAt"`
	Chat        ChatInfo          `json:"chat"`
	Window      bridge.TimeWindow `json:"window"`
	Counts      Counts            `json:"counts"`
}

// Document is the JSON artifact shape, used by tests and consumers to
// re-parse artifacts.
type Document struct {
	Meta     Meta                   `json:"meta"`
	Messages []parser.ParsedMessage `json:"messages"`
}

// JSONExporter streams {meta, messages[]} with O(1) buffered state per
// message. Message order is preserved as produced (newest first).
type JSONExporter struct {
	Pretty bool
}

func (e *JSONExporter) Extension() string { return "json" }

func (e *JSONExporter) Export(w io.Writer, chat ChatInfo, window bridge.TimeWindow, msgs []parser.ParsedMessage, counts Counts) error {
	cfg := jsoniter.ConfigCompatibleWithStandardLibrary
	if e.Pretty {
		cfg = jsoniter.Config{EscapeHTML: true, SortMapKeys: true, IndentionStep: 2}.Froze()
	}
	stream := cfg.BorrowStream(w)
	defer cfg.ReturnStream(stream)

	meta := Meta{
		Version:     FormatVersion,
		GeneratedAt: time.Now().Format(time.RFC3339),
		Chat:        chat,
		Window:      window,
		Counts:      counts,
	}

	stream.WriteObjectStart()
	stream.WriteObjectField("meta")
	stream.WriteVal(meta)
	stream.WriteMore()
	stream.WriteObjectField("messages")
	stream.WriteArrayStart()
	for i := range msgs {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteVal(&msgs[i])
		if stream.Error != nil {
			return errors.Wrap(stream.Error, "write message")
		}
		if stream.Buffered() > 32<<10 {
			if err := stream.Flush(); err != nil {
				return errors.Wrap(err, "flush json")
			}
		}
	}
	stream.WriteArrayEnd()
	stream.WriteObjectEnd()
	if err := stream.Flush(); err != nil {
		return errors.Wrap(err, "flush json")
	}
	return nil
}
