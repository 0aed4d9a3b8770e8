// Package bridge wraps the upstream chat bridge RPC behind a narrow,
// typed capability set. It is the only package that knows upstream wire
// shapes; everything else consumes RawMessage and the element union.
package bridge

import (
	"strconv"
)

// ChatType distinguishes private and group conversations.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

// ChatRef identifies a conversation. Equality is by all three fields.
type ChatRef struct {
	ChatType ChatType `json:"chatType"`
	PeerUid  string   `json:"peerUid"`
	GuildID  string   `json:"guildId,omitempty"`
}

// Valid reports whether the ref can address a conversation at all.
func (r ChatRef) Valid() bool {
	return (r.ChatType == ChatPrivate || r.ChatType == ChatGroup) && r.PeerUid != ""
}

// RawMessage is one upstream message as delivered by the bridge.
// msgTime is seconds since epoch, as a string, per the upstream wire format.
type RawMessage struct {
	MsgID          string       `json:"msgId"`
	MsgSeq         string       `json:"msgSeq"`
	ClientSeq      string       `json:"clientSeq,omitempty"`
	MsgTime        string       `json:"msgTime"`
	SenderUid      string       `json:"senderUid"`
	SenderUin      string       `json:"senderUin,omitempty"`
	SendNickName   string       `json:"sendNickName,omitempty"`
	SendMemberName string       `json:"sendMemberName,omitempty"` // group card
	SendRemarkName string       `json:"sendRemarkName,omitempty"`
	MsgType        int          `json:"msgType"`
	Elements       []Element    `json:"elements"`
	RecallTime     string       `json:"recallTime,omitempty"`
	Records        []RawMessage `json:"records,omitempty"`
	ChatType       int          `json:"chatType"`
	PeerUid        string       `json:"peerUid"`
}

// TimeSeconds parses msgTime; zero on malformed input.
func (m *RawMessage) TimeSeconds() int64 {
	t, _ := strconv.ParseInt(m.MsgTime, 10, 64)
	return t
}

// SeqInt parses msgSeq; zero on malformed input.
func (m *RawMessage) SeqInt() int64 {
	s, _ := strconv.ParseInt(m.MsgSeq, 10, 64)
	return s
}

// Recalled reports whether the message carries a recall marker.
func (m *RawMessage) Recalled() bool {
	return m.RecallTime != "" && m.RecallTime != "0"
}

// Group is one joined group as listed by the bridge.
type Group struct {
	GroupCode   string `json:"groupCode"`
	GroupName   string `json:"groupName"`
	MemberCount int    `json:"memberCount"`
}

// Friend is one friend as listed by the bridge.
type Friend struct {
	Uid    string `json:"uid"`
	Uin    string `json:"uin"`
	Nick   string `json:"nick"`
	Remark string `json:"remark,omitempty"`
}
