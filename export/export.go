// Package export serializes parsed messages into the user-facing artifact
// formats: structured JSON, plain text, and self-contained HTML.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/parser"
	"github.com/quenlab/qce/resource"
)

// FormatVersion is stamped into JSON artifact metadata.
const FormatVersion = "2.0"

// Format names an artifact type.
type Format string

const (
	FormatJSON Format = "JSON"
	FormatTXT  Format = "TXT"
	FormatHTML Format = "HTML"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatTXT, FormatHTML:
		return Format(s), nil
	default:
		return "", errors.NewInvalidRequestError("unsupported format %q", s)
	}
}

// ChatInfo describes the conversation an artifact belongs to.
type ChatInfo struct {
	Name string          `json:"name"`
	Type bridge.ChatType `json:"type"`
}

// Counts summarizes an export for artifact metadata.
type Counts struct {
	Messages  int `json:"messages"`
	Resources int `json:"resources"`
	Failed    int `json:"failed"`
}

// Options tune serialization.
type Options struct {
	Pretty                bool
	IncludeSystemMessages bool
	IncludeResourceLinks  bool
}

// Exporter writes one artifact format. Messages arrive newest-first, as
// produced by the pipeline; each format decides its own presentation order.
type Exporter interface {
	Extension() string
	Export(w io.Writer, chat ChatInfo, window bridge.TimeWindow, msgs []parser.ParsedMessage, counts Counts) error
}

// ForFormat returns the exporter implementing a format.
func ForFormat(f Format, opts Options) (Exporter, error) {
	switch f {
	case FormatJSON:
		return &JSONExporter{Pretty: opts.Pretty}, nil
	case FormatTXT:
		return &TXTExporter{IncludeSystemMessages: opts.IncludeSystemMessages}, nil
	case FormatHTML:
		return &HTMLExporter{}, nil
	default:
		return nil, errors.NewInvalidRequestError("unsupported format %q", string(f))
	}
}

// ArtifactName builds the export file name: sanitized chat name plus a
// millisecond timestamp.
func ArtifactName(chatName string, ext string) string {
	return fmt.Sprintf("%s_%d.%s", resource.SanitizeFileName(chatName), time.Now().UnixMilli(), ext)
}

// WriteArtifact serializes to a temp file in dir and renames it into place,
// so a crash never leaves a half-written artifact with a final name.
// Returns the artifact path and size.
func WriteArtifact(dir string, exp Exporter, chat ChatInfo, window bridge.TimeWindow, msgs []parser.ParsedMessage, counts Counts) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, errors.Wrap(err, "create export dir")
	}
	final := filepath.Join(dir, ArtifactName(chat.Name, exp.Extension()))
	tmp := final + ".part"

	f, err := os.Create(tmp)
	if err != nil {
		return "", 0, errors.Wrap(err, "create artifact")
	}
	if err := exp.Export(f, chat, window, msgs, counts); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, errors.Wrap(err, "flush artifact")
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", 0, errors.Wrap(err, "finalize artifact")
	}
	st, err := os.Stat(final)
	if err != nil {
		return "", 0, errors.Wrap(err, "stat artifact")
	}
	return final, st.Size(), nil
}

// ascending iterates msgs oldest-first without copying. The pipeline yields
// newest-first, so this walks the slice backward.
func ascending(msgs []parser.ParsedMessage, fn func(*parser.ParsedMessage)) {
	for i := len(msgs) - 1; i >= 0; i-- {
		fn(&msgs[i])
	}
}
