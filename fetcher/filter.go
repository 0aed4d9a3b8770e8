package fetcher

import (
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/quenlab/qce/bridge"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Filter restricts which raw messages a fetch yields. All constraints are
// applied client-side, per batch, in this order: window, sender, type,
// keyword.
type Filter struct {
	Window          bridge.TimeWindow `json:"window"`
	SenderUids      []string          `json:"senderUids,omitempty"`
	MsgTypes        []int             `json:"msgTypes,omitempty"`
	Keyword         string            `json:"keyword,omitempty"`
	IncludeRecalled bool              `json:"includeRecalled"`
}

// Constrained reports whether the filter carries sender/type/keyword
// constraints, which forces the history-based strategy.
func (f Filter) Constrained() bool {
	return len(f.SenderUids) > 0 || len(f.MsgTypes) > 0 || f.Keyword != ""
}

// apply returns the messages passing the filter, preserving batch order.
func (f Filter) apply(batch []bridge.RawMessage) []bridge.RawMessage {
	window := f.Window.Normalized()
	var senders map[string]struct{}
	if len(f.SenderUids) > 0 {
		senders = make(map[string]struct{}, len(f.SenderUids))
		for _, uid := range f.SenderUids {
			senders[uid] = struct{}{}
		}
	}
	var types map[int]struct{}
	if len(f.MsgTypes) > 0 {
		types = make(map[int]struct{}, len(f.MsgTypes))
		for _, t := range f.MsgTypes {
			types[t] = struct{}{}
		}
	}
	keyword := strings.ToLower(f.Keyword)

	out := batch[:0:0]
	for i := range batch {
		m := &batch[i]
		if !window.Contains(m.TimeSeconds()) {
			continue
		}
		if !f.IncludeRecalled && m.Recalled() {
			continue
		}
		if senders != nil {
			if _, ok := senders[m.SenderUid]; !ok {
				continue
			}
		}
		if types != nil {
			if _, ok := types[m.MsgType]; !ok {
				continue
			}
		}
		if keyword != "" && !matchKeyword(m, keyword) {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// matchKeyword does a case-insensitive substring match over a JSON
// rendering of the message elements.
func matchKeyword(m *bridge.RawMessage, keyword string) bool {
	rendered, err := json.Marshal(m.Elements)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(rendered)), keyword)
}
