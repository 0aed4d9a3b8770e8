// Package resource materializes the media referenced by parsed messages
// into a content-addressed local store, with bounded download concurrency,
// integrity checks, and a circuit breaker around the bridge.
package resource

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/quenlab/qce/parser"
)

// Status is the download lifecycle of one resource.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusFailed      Status = "failed"
)

// Info is the persistent record for one media resource. Identity is Md5
// when present, otherwise a digest of (type, fileName, fileSize).
type Info struct {
	Type             parser.ResourceType `json:"type"`
	FileName         string              `json:"fileName"`
	FileSize         int64               `json:"fileSize"`
	MimeType         string              `json:"mimeType,omitempty"`
	Md5              string              `json:"md5,omitempty"`
	OriginalURL      string              `json:"originalUrl,omitempty"`
	LocalPath        string              `json:"localPath,omitempty"`
	Status           Status              `json:"status"`
	Accessible       bool                `json:"accessible"`
	CheckedAt        time.Time           `json:"checkedAt"`
	DownloadAttempts int                 `json:"downloadAttempts"`
	LastError        string              `json:"lastError,omitempty"`
}

// Key returns the identity used for storage and deduplication.
func (i *Info) Key() string {
	if i.Md5 != "" {
		return i.Md5
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%d", i.Type, i.FileName, i.FileSize)))
	return hex.EncodeToString(sum[:])
}

// Priority orders the download queue: images first, then audio, video,
// files, with a boost for small payloads.
func (i *Info) Priority() int {
	p := 0
	switch i.Type {
	case parser.ResourceImage:
		p += 100
	case parser.ResourceAudio:
		p += 50
	case parser.ResourceVideo:
		p += 30
	case parser.ResourceFile:
		p += 10
	}
	switch {
	case i.FileSize > 0 && i.FileSize < 1<<20:
		p += 20
	case i.FileSize > 0 && i.FileSize < 10<<20:
		p += 10
	}
	return p
}

// SanitizeFileName replaces path-hostile characters with underscores.
func SanitizeFileName(name string) string {
	if name == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, name)
}

// infoFromParsed builds the persistent record from a parser reference.
func infoFromParsed(res *parser.Resource) *Info {
	return &Info{
		Type:        res.Type,
		FileName:    res.FileName,
		FileSize:    res.FileSize,
		MimeType:    res.MimeType,
		Md5:         res.Md5,
		OriginalURL: res.OriginalURL,
		Status:      StatusPending,
	}
}
