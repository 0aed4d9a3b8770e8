// Package parser normalizes raw bridge messages into the ParsedMessage
// model consumed by the exporters and the resource handler.
package parser

// ResourceType buckets media into the four storage subdirectories.
type ResourceType string

const (
	ResourceImage ResourceType = "image"
	ResourceVideo ResourceType = "video"
	ResourceAudio ResourceType = "audio"
	ResourceFile  ResourceType = "file"
)

// Resource is a media reference discovered during parsing. LocalPath is
// empty until the resource handler materializes the file.
type Resource struct {
	Type        ResourceType `json:"type"`
	FileName    string       `json:"fileName"`
	FileSize    int64        `json:"fileSize"`
	MimeType    string       `json:"mimeType,omitempty"`
	Md5         string       `json:"md5,omitempty"`
	OriginalURL string       `json:"originalUrl,omitempty"`
	LocalPath   string       `json:"localPath,omitempty"`

	// Upstream coordinates the downloader needs.
	MsgID      string `json:"-"`
	ElementID  string `json:"-"`
	SourcePath string `json:"-"`
	FileUUID   string `json:"-"`
}

// Mention is an @-reference inside a text element.
type Mention struct {
	All  bool   `json:"all,omitempty"`
	Uid  string `json:"uid,omitempty"`
	Text string `json:"text"`
}

// Reply describes the message a reply element points at.
// ReferencedMessageID is nil when resolution failed; Content then carries
// the literal placeholder.
type Reply struct {
	ReferencedMessageID *string `json:"referencedMessageId"`
	SenderName          string  `json:"senderName,omitempty"`
	Content             string  `json:"content"`
}

// Emoji is a face or market-face sticker reference.
type Emoji struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"` // face | market_face
}

// Location is a shared map point.
type Location struct {
	Text      string `json:"text,omitempty"`
	Latitude  string `json:"latitude,omitempty"`
	Longitude string `json:"longitude,omitempty"`
}

// MultiForward is a bundled forward of multiple messages.
type MultiForward struct {
	ResID    string `json:"resId,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Preview  string `json:"preview,omitempty"`
}

// Calendar is a calendar invite card.
type Calendar struct {
	Summary   string `json:"summary,omitempty"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
	Location  string `json:"location,omitempty"`
}

// Special is a catch-all entry for system notices, unknown element kinds,
// and per-element parse failures (type "error_<kind>").
type Special struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// Sender identifies who sent a message, with all the name variants the
// upstream carries.
type Sender struct {
	Uid         string `json:"uid"`
	Uin         string `json:"uin,omitempty"`
	DisplayName string `json:"displayName"`
	Nickname    string `json:"nickname,omitempty"`
	GroupCard   string `json:"groupCard,omitempty"`
	Remark      string `json:"remark,omitempty"`
}

// Receiver identifies the conversation side of a message.
type Receiver struct {
	Uid  string `json:"uid"`
	Type string `json:"type"` // private | group
}

// Content is the normalized payload of one message.
type Content struct {
	Text         string        `json:"text"`
	HTML         string        `json:"html,omitempty"`
	Raw          string        `json:"raw,omitempty"`
	Mentions     []Mention     `json:"mentions,omitempty"`
	Reply        *Reply        `json:"reply,omitempty"`
	Resources    []Resource    `json:"resources,omitempty"`
	Emojis       []Emoji       `json:"emojis,omitempty"`
	Location     *Location     `json:"location,omitempty"`
	Card         string        `json:"card,omitempty"`
	MultiForward *MultiForward `json:"multiForward,omitempty"`
	Calendar     *Calendar     `json:"calendar,omitempty"`
	Special      []Special     `json:"special,omitempty"`
}

// Stats are per-message parse metrics.
type Stats struct {
	ElementCount     int   `json:"elementCount"`
	ResourceCount    int   `json:"resourceCount"`
	TextLength       int   `json:"textLength"`
	ProcessingMillis int64 `json:"processingMillis"`
}

// ParsedMessage is the normalized message model.
type ParsedMessage struct {
	MessageID   string   `json:"messageId"`
	MessageSeq  int64    `json:"messageSeq"`
	Timestamp   int64    `json:"timestamp"` // milliseconds
	Sender      Sender   `json:"sender"`
	Receiver    Receiver `json:"receiver"`
	MessageType int      `json:"messageType"`
	IsSystem    bool     `json:"isSystem"`
	IsRecalled  bool     `json:"isRecalled"`
	IsTemp      bool     `json:"isTemp"`
	Content     Content  `json:"content"`
	Stats       Stats    `json:"stats"`
	RawRef      string   `json:"rawRef,omitempty"`
	ParseError  string   `json:"parseError,omitempty"`
}
