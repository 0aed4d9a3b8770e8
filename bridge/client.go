package bridge

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/sym"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Adapter is the narrow capability set the export engine consumes.
// Implementations classify failures into the errors package sentinels
// (ErrTransientNetwork, ErrRateLimited, ErrNotFound, ErrPermissionDenied,
// ErrProtocol); callers drive retry with errors.IsRetryable.
type Adapter interface {
	ListGroups(ctx context.Context) ([]Group, error)
	ListFriends(ctx context.Context) ([]Friend, error)
	ResolveDisplayName(ctx context.Context, ref ChatRef) (string, error)
	GetLatestMessages(ctx context.Context, ref ChatRef, count int) ([]RawMessage, error)
	GetMessageHistory(ctx context.Context, ref ChatRef, anchorMsgID string, count int) ([]RawMessage, error)
	GetMessagesBySeqRange(ctx context.Context, ref ChatRef, seqStart, seqEnd int64) ([]RawMessage, error)
	DownloadMedia(ctx context.Context, msgID string, chatType ChatType, peerUid, elementID, destPath string, timeout time.Duration) (string, error)
	ResolvePttURL(ctx context.Context, peerUid, fileUUID string, timeout time.Duration) (string, error)
}

// Client talks to the local bridge over HTTP+JSON.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.SugaredLogger
}

// NewClient creates a bridge client. timeout bounds the transport; per-call
// deadlines come from the caller's context.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    16,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		logger: logger,
	}
}

// envelope is the bridge's uniform response wrapper.
type envelope struct {
	Code    int                 `json:"code"`
	Message string              `json:"message,omitempty"`
	Data    jsoniter.RawMessage `json:"data,omitempty"`
}

// call posts a JSON request to /api/<method> and decodes the data payload
// into out. Errors are classified here and nowhere else.
func (c *Client) call(ctx context.Context, method string, req interface{}, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+method, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return classifyTransport(err, method)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.Wrapf(errors.ErrRateLimited, "bridge %s", method)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Wrapf(errors.ErrPermissionDenied, "bridge %s: http %d", method, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return errors.Wrapf(errors.ErrTransientNetwork, "bridge %s: http %d", method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(errors.ErrProtocol, "bridge %s: http %d", method, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return classifyTransport(err, method)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrapf(errors.ErrProtocol, "bridge %s: malformed envelope", method)
	}
	switch {
	case env.Code == 0:
		// ok
	case env.Code == codeNotFound:
		return errors.Wrapf(errors.ErrNotFound, "bridge %s: %s", method, env.Message)
	case env.Code == codeRateLimited:
		return errors.Wrapf(errors.ErrRateLimited, "bridge %s: %s", method, env.Message)
	case env.Code == codePermission:
		return errors.Wrapf(errors.ErrPermissionDenied, "bridge %s: %s", method, env.Message)
	default:
		return errors.Wrapf(errors.ErrProtocol, "bridge %s: code %d: %s", method, env.Code, env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.Wrapf(errors.ErrProtocol, "bridge %s: malformed data", method)
		}
	}
	return nil
}

// Bridge application error codes.
const (
	codeNotFound    = 404
	codeRateLimited = 429
	codePermission  = 403
)

// classifyTransport maps transport failures to the retryable sentinels.
func classifyTransport(err error, method string) error {
	if errors.Is(err, context.Canceled) {
		return errors.Wrapf(errors.ErrCanceled, "bridge %s", method)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(errors.ErrTimeout, "bridge %s", method)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrapf(errors.ErrTimeout, "bridge %s", method)
	}
	return errors.Wrapf(errors.ErrTransientNetwork, "bridge %s: %v", method, err)
}

type peerRequest struct {
	ChatType string `json:"chatType"`
	PeerUid  string `json:"peerUid"`
	GuildID  string `json:"guildId,omitempty"`
}

func peerOf(ref ChatRef) peerRequest {
	return peerRequest{ChatType: string(ref.ChatType), PeerUid: ref.PeerUid, GuildID: ref.GuildID}
}

// ListGroups returns the joined groups.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var out struct {
		Groups []Group `json:"groups"`
	}
	if err := c.call(ctx, "getGroups", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// ListFriends returns the friend list.
func (c *Client) ListFriends(ctx context.Context) ([]Friend, error) {
	var out struct {
		Friends []Friend `json:"friends"`
	}
	if err := c.call(ctx, "getFriends", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Friends, nil
}

// ResolveDisplayName resolves a human-readable chat name for a ref.
// Falls back to the peer uid when the bridge has no listing for it.
func (c *Client) ResolveDisplayName(ctx context.Context, ref ChatRef) (string, error) {
	if ref.ChatType == ChatGroup {
		groups, err := c.ListGroups(ctx)
		if err != nil {
			return "", err
		}
		for _, g := range groups {
			if g.GroupCode == ref.PeerUid {
				return g.GroupName, nil
			}
		}
		return ref.PeerUid, nil
	}
	friends, err := c.ListFriends(ctx)
	if err != nil {
		return "", err
	}
	for _, f := range friends {
		if f.Uid == ref.PeerUid || f.Uin == ref.PeerUid {
			if f.Remark != "" {
				return f.Remark, nil
			}
			return f.Nick, nil
		}
	}
	return ref.PeerUid, nil
}

type messageList struct {
	MsgList []RawMessage `json:"msgList"`
}

// GetLatestMessages fetches the newest count messages for a chat. Used as
// the first pagination call when no anchor exists yet.
func (c *Client) GetLatestMessages(ctx context.Context, ref ChatRef, count int) ([]RawMessage, error) {
	req := struct {
		Peer  peerRequest `json:"peer"`
		Count int         `json:"count"`
	}{peerOf(ref), count}
	var out messageList
	if err := c.call(ctx, "getAioFirstViewLatestMsgs", req, &out); err != nil {
		return nil, err
	}
	return out.MsgList, nil
}

// GetMessageHistory fetches count messages older than the anchor message.
func (c *Client) GetMessageHistory(ctx context.Context, ref ChatRef, anchorMsgID string, count int) ([]RawMessage, error) {
	req := struct {
		Peer       peerRequest `json:"peer"`
		MsgID      string      `json:"msgId"`
		Count      int         `json:"count"`
		QueryOrder bool        `json:"queryOrder"` // true = forward (older)
	}{peerOf(ref), anchorMsgID, count, true}
	var out messageList
	if err := c.call(ctx, "getMsgHistory", req, &out); err != nil {
		return nil, err
	}
	return out.MsgList, nil
}

// GetMessagesBySeqRange fetches messages in [seqStart, seqEnd] by sequence.
func (c *Client) GetMessagesBySeqRange(ctx context.Context, ref ChatRef, seqStart, seqEnd int64) ([]RawMessage, error) {
	req := struct {
		Peer     peerRequest `json:"peer"`
		SeqStart int64       `json:"seqStart"`
		SeqEnd   int64       `json:"seqEnd"`
	}{peerOf(ref), seqStart, seqEnd}
	var out messageList
	if err := c.call(ctx, "getMsgsBySeqRange", req, &out); err != nil {
		return nil, err
	}
	return out.MsgList, nil
}

// DownloadMedia asks the bridge to materialize a media element to destPath.
// Returns the path the bridge reports, which may differ from destPath.
func (c *Client) DownloadMedia(ctx context.Context, msgID string, chatType ChatType, peerUid, elementID, destPath string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := struct {
		MsgID     string `json:"msgId"`
		ChatType  string `json:"chatType"`
		PeerUid   string `json:"peerUid"`
		ElementID string `json:"elementId"`
		FilePath  string `json:"filePath"`
	}{msgID, string(chatType), peerUid, elementID, destPath}
	var out struct {
		FilePath string `json:"filePath"`
	}
	if err := c.call(ctx, "downloadMedia", req, &out); err != nil {
		return "", err
	}
	c.logger.Debugw("Media downloaded via bridge",
		"symbol", sym.Bridge,
		"msg_id", msgID,
		"element_id", elementID,
		"path", out.FilePath,
	)
	return out.FilePath, nil
}

// ResolvePttURL resolves a direct URL for a voice clip.
func (c *Client) ResolvePttURL(ctx context.Context, peerUid, fileUUID string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := struct {
		PeerUid  string `json:"peerUid"`
		FileUuid string `json:"fileUuid"`
	}{peerUid, fileUUID}
	var out struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, "getPttUrl", req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}
