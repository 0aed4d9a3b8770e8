package bridge

import (
	jsoniter "github.com/json-iterator/go"
)

// ElementKind tags the message element union.
type ElementKind string

const (
	KindText         ElementKind = "text"
	KindPicture      ElementKind = "picture"
	KindFile         ElementKind = "file"
	KindVideo        ElementKind = "video"
	KindVoice        ElementKind = "voice"
	KindFace         ElementKind = "face"
	KindMarketFace   ElementKind = "market_face"
	KindReply        ElementKind = "reply"
	KindArk          ElementKind = "ark"
	KindMultiForward ElementKind = "multi_forward"
	KindLocation     ElementKind = "location"
	KindGrayTip      ElementKind = "gray_tip"
	KindMarkdown     ElementKind = "markdown"
	KindCalendar     ElementKind = "calendar"
	KindUnknown      ElementKind = "unknown"
)

// AtType marks mention scope on a text element.
type AtType int

const (
	AtNone AtType = 0
	AtAll  AtType = 1
	AtUser AtType = 2
)

// Element is the upstream tagged union. Exactly one variant pointer is set
// for a well-formed element; Raw preserves the original payload so unknown
// upstream additions are never silently dropped.
type Element struct {
	ElementID string `json:"elementId,omitempty"`

	Text         *TextElement         `json:"textElement,omitempty"`
	Pic          *PicElement          `json:"picElement,omitempty"`
	File         *FileElement         `json:"fileElement,omitempty"`
	Video        *VideoElement        `json:"videoElement,omitempty"`
	Ptt          *PttElement          `json:"pttElement,omitempty"`
	Face         *FaceElement         `json:"faceElement,omitempty"`
	MarketFace   *MarketFaceElement   `json:"marketFaceElement,omitempty"`
	Reply        *ReplyElement        `json:"replyElement,omitempty"`
	Ark          *ArkElement          `json:"arkElement,omitempty"`
	MultiForward *MultiForwardElement `json:"multiForwardMsgElement,omitempty"`
	Location     *LocationElement     `json:"shareLocationElement,omitempty"`
	GrayTip      *GrayTipElement      `json:"grayTipElement,omitempty"`
	Markdown     *MarkdownElement     `json:"markdownElement,omitempty"`
	Calendar     *CalendarElement     `json:"calendarElement,omitempty"`

	Raw jsoniter.RawMessage `json:"-"`
}

// Kind returns the variant tag for the element.
func (e *Element) Kind() ElementKind {
	switch {
	case e.Text != nil:
		return KindText
	case e.Pic != nil:
		return KindPicture
	case e.File != nil:
		return KindFile
	case e.Video != nil:
		return KindVideo
	case e.Ptt != nil:
		return KindVoice
	case e.Face != nil:
		return KindFace
	case e.MarketFace != nil:
		return KindMarketFace
	case e.Reply != nil:
		return KindReply
	case e.Ark != nil:
		return KindArk
	case e.MultiForward != nil:
		return KindMultiForward
	case e.Location != nil:
		return KindLocation
	case e.GrayTip != nil:
		return KindGrayTip
	case e.Markdown != nil:
		return KindMarkdown
	case e.Calendar != nil:
		return KindCalendar
	default:
		return KindUnknown
	}
}

// UnmarshalJSON decodes the union and keeps the raw payload alongside it.
func (e *Element) UnmarshalJSON(data []byte) error {
	type alias Element
	var a alias
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Element(a)
	e.Raw = append(e.Raw[:0], data...)
	return nil
}

// TextElement carries plain text and mention markers.
type TextElement struct {
	Content string `json:"content"`
	AtType  AtType `json:"atType,omitempty"`
	AtUid   string `json:"atUid,omitempty"`
	AtNtUid string `json:"atNtUid,omitempty"`
}

// PicElement is an inline image.
type PicElement struct {
	FileName       string `json:"fileName"`
	FileSize       string `json:"fileSize,omitempty"`
	SourcePath     string `json:"sourcePath,omitempty"`
	OriginImageURL string `json:"originImageUrl,omitempty"`
	Md5HexStr      string `json:"md5HexStr,omitempty"`
}

// FileElement is an attached file.
type FileElement struct {
	FileName string `json:"fileName"`
	FileSize string `json:"fileSize,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	FileMd5  string `json:"fileMd5,omitempty"`
}

// VideoElement is a video attachment.
type VideoElement struct {
	FileName string `json:"fileName"`
	FileSize string `json:"fileSize,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	VideoMd5 string `json:"videoMd5,omitempty"`
}

// PttElement is a voice (push-to-talk) clip.
type PttElement struct {
	FileName  string `json:"fileName"`
	FileSize  string `json:"fileSize,omitempty"`
	FilePath  string `json:"filePath,omitempty"`
	Md5HexStr string `json:"md5HexStr,omitempty"`
	FileUuid  string `json:"fileUuid,omitempty"`
	Duration  int    `json:"duration,omitempty"`
}

// FaceElement is a built-in sticker referenced by index.
type FaceElement struct {
	FaceIndex int    `json:"faceIndex"`
	FaceText  string `json:"faceText,omitempty"`
}

// MarketFaceElement is a marketplace sticker.
type MarketFaceElement struct {
	EmojiID  string `json:"emojiId"`
	FaceName string `json:"faceName,omitempty"`
	Key      string `json:"key,omitempty"`
}

// ReplyElement references a prior message by id/seq/client-seq.
type ReplyElement struct {
	ReplayMsgSeq         string `json:"replayMsgSeq,omitempty"` // upstream spelling
	ReplyMsgClientSeq    string `json:"replyMsgClientSeq,omitempty"`
	SourceMsgIdInRecords string `json:"sourceMsgIdInRecords,omitempty"`
	SenderUid            string `json:"senderUid,omitempty"`
	SenderUidStr         string `json:"senderUidStr,omitempty"`
}

// ArkElement is a structured card; BytesData is a JSON document.
type ArkElement struct {
	BytesData string `json:"bytesData"`
}

// MultiForwardElement is a bundled forward of multiple messages.
type MultiForwardElement struct {
	XMLContent string `json:"xmlContent,omitempty"`
	ResID      string `json:"resId,omitempty"`
	FileName   string `json:"fileName,omitempty"`
}

// LocationElement is a shared location.
type LocationElement struct {
	Text      string `json:"text,omitempty"`
	Latitude  string `json:"lat,omitempty"`
	Longitude string `json:"lng,omitempty"`
}

// GrayTipElement is a system notice rendered inline in the chat.
type GrayTipElement struct {
	SubElementType int                 `json:"subElementType,omitempty"`
	JSONGrayTip    jsoniter.RawMessage `json:"jsonGrayTipElement,omitempty"`
	Content        string              `json:"content,omitempty"`
}

// MarkdownElement carries markdown content.
type MarkdownElement struct {
	Content string `json:"content"`
}

// CalendarElement is a calendar invite card.
type CalendarElement struct {
	Summary   string `json:"summary,omitempty"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
	Location  string `json:"location,omitempty"`
}
