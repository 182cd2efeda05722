package homeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marchive/internal/domain"
)

const deviceDisplayName = "marchive"

// syncFilter limits the bootstrap sync to one timeline event per room; the
// history itself is fetched by pagination.
const syncFilter = `{"room":{"timeline":{"limit":1}}}`

// Client talks to a homeserver over the client-server API.
type Client struct {
	Base string
	HTTP *http.Client

	token    string
	UserID   domain.UserID
	DeviceID string
}

// New returns a client for the given base URL, e.g. "https://matrix.example.org".
func New(base string) *Client {
	return &Client{
		Base: strings.TrimRight(base, "/"),
		HTTP: &http.Client{Timeout: 2 * time.Minute},
	}
}

var _ domain.Homeserver = (*Client)(nil)

// Login authenticates with a password and stores the access token on the
// client. The password is not retained.
func (c *Client) Login(ctx context.Context, user domain.UserID, password string) error {
	in := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]string{
			"type": "m.id.user",
			"user": user.String(),
		},
		"password":                    password,
		"initial_device_display_name": deviceDisplayName,
	}
	var out struct {
		AccessToken string        `json:"access_token"`
		UserID      domain.UserID `json:"user_id"`
		DeviceID    string        `json:"device_id"`
	}
	if err := c.post(ctx, "/_matrix/client/v3/login", in, &out); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.token = out.AccessToken
	c.UserID = out.UserID
	c.DeviceID = out.DeviceID
	return nil
}

// UseToken configures an already-obtained access token instead of Login.
func (c *Client) UseToken(token string, user domain.UserID) {
	c.token = token
	c.UserID = user
}

// Logout invalidates the access token.
func (c *Client) Logout(ctx context.Context) error {
	if c.token == "" {
		return nil
	}
	err := c.post(ctx, "/_matrix/client/v3/logout", struct{}{}, nil)
	c.token = ""
	return err
}

// PrevBatch performs a minimal sync and returns the room's prev_batch token,
// the cursor backward pagination starts from.
func (c *Client) PrevBatch(ctx context.Context, room domain.RoomID) (domain.Cursor, error) {
	q := url.Values{}
	q.Set("filter", syncFilter)
	q.Set("full_state", "true")
	q.Set("timeout", "0")

	var out struct {
		Rooms struct {
			Join map[domain.RoomID]struct {
				Timeline struct {
					PrevBatch domain.Cursor `json:"prev_batch"`
				} `json:"timeline"`
			} `json:"join"`
		} `json:"rooms"`
	}
	if err := c.get(ctx, "/_matrix/client/v3/sync", q, &out); err != nil {
		return "", fmt.Errorf("sync: %w", err)
	}
	joined, ok := out.Rooms.Join[room]
	if !ok {
		return "", fmt.Errorf("room %s not in sync response (not joined?)", room)
	}
	return joined.Timeline.PrevBatch, nil
}

// Messages fetches one backward page of the room timeline from the cursor.
func (c *Client) Messages(ctx context.Context, room domain.RoomID, from domain.Cursor, limit int) (domain.Batch, error) {
	q := url.Values{}
	q.Set("from", from.String())
	q.Set("dir", "b")
	q.Set("limit", strconv.Itoa(limit))

	var out struct {
		Chunk []domain.RawEvent `json:"chunk"`
		End   domain.Cursor     `json:"end"`
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(room.String()) + "/messages"
	if err := c.get(ctx, path, q, &out); err != nil {
		return domain.Batch{}, err
	}
	b := domain.Batch{Events: out.Chunk, Next: out.End}
	if len(out.Chunk) == 0 {
		b.Next = "" // start of history
	}
	return b, nil
}

// Download fetches the bytes behind an mxc:// URI.
func (c *Client) Download(ctx context.Context, mxcURL string) ([]byte, error) {
	u, err := url.Parse(mxcURL)
	if err != nil || u.Scheme != "mxc" || u.Host == "" {
		return nil, fmt.Errorf("homeserver: not an mxc URI: %q", mxcURL)
	}
	mediaID := strings.Trim(u.Path, "/")
	path := "/_matrix/media/v3/download/" + url.PathEscape(u.Host) + "/" + url.PathEscape(mediaID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, responseError(resp)
	}
	return io.ReadAll(resp.Body)
}

// JoinedRooms lists rooms the logged-in user is joined to.
func (c *Client) JoinedRooms(ctx context.Context) ([]domain.RoomID, error) {
	var out struct {
		JoinedRooms []domain.RoomID `json:"joined_rooms"`
	}
	if err := c.get(ctx, "/_matrix/client/v3/joined_rooms", nil, &out); err != nil {
		return nil, err
	}
	return out.JoinedRooms, nil
}

// RoomName returns the room's display name, or "" when it has none.
func (c *Client) RoomName(ctx context.Context, room domain.RoomID) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(room.String()) + "/state/m.room.name/"
	if err := c.get(ctx, path, nil, &out); err != nil {
		var he *Error
		if errors.As(err, &he) && he.Status == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	return out.Name, nil
}

// JoinedMembers returns the room's current membership directory.
func (c *Client) JoinedMembers(ctx context.Context, room domain.RoomID) (map[domain.UserID]domain.RoomMember, error) {
	var out struct {
		Joined map[domain.UserID]struct {
			DisplayName string `json:"display_name"`
			AvatarURL   string `json:"avatar_url"`
		} `json:"joined"`
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(room.String()) + "/joined_members"
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	members := make(map[domain.UserID]domain.RoomMember, len(out.Joined))
	for id, m := range out.Joined {
		members[id] = domain.RoomMember{DisplayName: m.DisplayName, AvatarURL: m.AvatarURL}
	}
	return members, nil
}

// --- transport helpers ---

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.Base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// responseError turns a non-2xx response into *Error or *RateLimitError.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: retryAfter(resp, body)}
	}
	he := &Error{Status: resp.StatusCode}
	_ = json.Unmarshal(body, he)
	return he
}

func retryAfter(resp *http.Response, body []byte) time.Duration {
	var out struct {
		RetryAfterMS int64 `json:"retry_after_ms"`
	}
	if err := json.Unmarshal(body, &out); err == nil && out.RetryAfterMS > 0 {
		return time.Duration(out.RetryAfterMS) * time.Millisecond
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			return time.Duration(secs) * time.Second
		}
		// The header may also be an HTTP-date.
		if t, err := http.ParseTime(s); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	return 0
}
