package synapse

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mxtester/mx-tester/internal/core/domain"
)

// Client talks to the client-server and administrative APIs of a Synapse
// homeserver. It implements ports.ServerAdmin.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// NewClient creates a client for the homeserver at baseURL, e.g.
// "http://localhost:9999". Transient connection errors are retried.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 4
	c.RetryWaitMin = 300 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    c,
	}
}

// apiError is the error document the homeserver returns on failure.
type apiError struct {
	Status  int
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("homeserver responded with %s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

// Probe checks the homeserver liveness endpoint.
func (c *Client) Probe(ctx context.Context) error {
	status, err := c.do(ctx, http.MethodGet, "/_matrix/client/versions", "", nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("liveness probe returned HTTP %d", status)
	}
	return nil
}

// RegisterUser registers an account through the shared-secret registration
// protocol: fetch a nonce, sign nonce, localname, password and admin flag
// with HMAC-SHA1 under the shared secret, and post the signed payload.
func (c *Client) RegisterUser(ctx context.Context, sharedSecret string, user domain.User) error {
	var nonceResp struct {
		Nonce string `json:"nonce"`
	}
	status, err := c.do(ctx, http.MethodGet, "/_synapse/admin/v1/register", "", nil, &nonceResp)
	if err != nil {
		return fmt.Errorf("failed to fetch registration nonce: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("registration nonce request returned HTTP %d", status)
	}

	payload := struct {
		Nonce       string `json:"nonce"`
		Username    string `json:"username"`
		DisplayName string `json:"displayname"`
		Password    string `json:"password"`
		Admin       bool   `json:"admin"`
		MAC         string `json:"mac"`
	}{
		Nonce:       nonceResp.Nonce,
		Username:    user.Localname,
		DisplayName: user.Localname,
		Password:    user.Password,
		Admin:       user.Admin,
		MAC:         registrationMAC(sharedSecret, nonceResp.Nonce, user),
	}
	status, err = c.do(ctx, http.MethodPost, "/_synapse/admin/v1/register", "", payload, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("registration returned HTTP %d", status)
	}
	return nil
}

// registrationMAC signs nonce\0localname\0password\0admin|notadmin with the
// registration shared secret, hex-encoded.
func registrationMAC(sharedSecret, nonce string, user domain.User) string {
	adminWord := "notadmin"
	if user.Admin {
		adminWord = "admin"
	}
	mac := hmac.New(sha1.New, []byte(sharedSecret))
	fmt.Fprintf(mac, "%s\x00%s\x00%s\x00%s", nonce, user.Localname, user.Password, adminWord)
	return hex.EncodeToString(mac.Sum(nil))
}

// Login performs a password login and returns the access token.
func (c *Client) Login(ctx context.Context, localname, password string) (string, error) {
	payload := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": localname,
		},
		"password": password,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	status, err := c.do(ctx, http.MethodPost, "/_matrix/client/r0/login", "", payload, &resp)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("login for %q returned HTTP %d", localname, status)
	}
	return resp.AccessToken, nil
}

// OverrideRateLimit removes all rate limits for a user. Requires an admin
// token. Re-applying it is safe.
func (c *Client) OverrideRateLimit(ctx context.Context, adminToken, userID string) error {
	path := "/_synapse/admin/v1/users/" + url.PathEscape(userID) + "/override_ratelimit"
	payload := map[string]int{"messages_per_second": 0, "burst_count": 0}
	status, err := c.do(ctx, http.MethodPost, path, adminToken, payload, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("rate limit override for %s returned HTTP %d", userID, status)
	}
	return nil
}

// ResolveAlias returns the room id behind an alias, or "" when the alias is
// not registered.
func (c *Client) ResolveAlias(ctx context.Context, token, alias string) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	status, err := c.do(ctx, http.MethodGet, "/_matrix/client/r0/directory/room/"+url.PathEscape(alias), token, nil, &resp)
	if err != nil {
		var api *apiError
		if errors.As(err, &api) && api.Status == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nil
	}
	return resp.RoomID, nil
}

// DeleteAlias unregisters an alias.
func (c *Client) DeleteAlias(ctx context.Context, token, alias string) error {
	_, err := c.do(ctx, http.MethodDelete, "/_matrix/client/r0/directory/room/"+url.PathEscape(alias), token, nil, nil)
	return err
}

// CreateRoom creates a room with the declared visibility, name, alias and
// topic, returning the room id.
func (c *Client) CreateRoom(ctx context.Context, token string, room domain.Room) (string, error) {
	payload := map[string]any{}
	if room.Public {
		payload["visibility"] = "public"
	} else {
		payload["visibility"] = "private"
	}
	if room.Name != "" {
		payload["name"] = room.Name
	}
	if room.Topic != "" {
		payload["topic"] = room.Topic
	}
	if room.Alias != "" {
		payload["room_alias_name"] = AliasLocalpart(room.Alias)
	}
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/_matrix/client/r0/createRoom", token, payload, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// RoomStateContent fetches the content of a state event, reporting found as
// false when the event does not exist.
func (c *Client) RoomStateContent(ctx context.Context, token, roomID, eventType string) (map[string]any, bool, error) {
	path := "/_matrix/client/r0/rooms/" + url.PathEscape(roomID) + "/state/" + url.PathEscape(eventType)
	content := map[string]any{}
	_, err := c.do(ctx, http.MethodGet, path, token, nil, &content)
	if err != nil {
		var api *apiError
		if errors.As(err, &api) && api.Status == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return content, true, nil
}

// JoinedMembers lists the user ids joined to a room.
func (c *Client) JoinedMembers(ctx context.Context, token, roomID string) ([]string, error) {
	var resp struct {
		Joined map[string]json.RawMessage `json:"joined"`
	}
	path := "/_matrix/client/r0/rooms/" + url.PathEscape(roomID) + "/joined_members"
	if _, err := c.do(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}
	members := make([]string, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// Invite invites a user into a room. Inviting a user who is already in the
// room is not an error, so membership convergence can be re-run.
func (c *Client) Invite(ctx context.Context, token, roomID, userID string) error {
	path := "/_matrix/client/r0/rooms/" + url.PathEscape(roomID) + "/invite"
	_, err := c.do(ctx, http.MethodPost, path, token, map[string]string{"user_id": userID}, nil)
	if err != nil {
		var api *apiError
		if errors.As(err, &api) && api.Status == http.StatusForbidden && strings.Contains(api.Message, "already in the room") {
			return nil
		}
		return err
	}
	return nil
}

// Join joins the token's owner to a room. Joining twice is a no-op on the
// server side.
func (c *Client) Join(ctx context.Context, token, roomID string) error {
	path := "/_matrix/client/r0/rooms/" + url.PathEscape(roomID) + "/join"
	_, err := c.do(ctx, http.MethodPost, path, token, map[string]any{}, nil)
	return err
}

// AliasLocalpart extracts the localpart of a room alias:
// "#lobby:localhost" yields "lobby".
func AliasLocalpart(alias string) string {
	localpart := strings.TrimPrefix(alias, "#")
	if i := strings.IndexByte(localpart, ':'); i >= 0 {
		localpart = localpart[:i]
	}
	return localpart
}

// do sends one JSON request. Every response outside the 2xx range is
// returned as a *apiError; when the body carries no Matrix error document,
// e.g. an HTML page from a proxy, the raw body stands in for the message.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var rawBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		rawBody = bytes.NewReader(encoded)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		api := apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, &api) == nil && api.Code != "" {
			return resp.StatusCode, &api
		}
		api.Code = "M_UNKNOWN"
		api.Message = strings.TrimSpace(string(data))
		if len(api.Message) > 200 {
			api.Message = api.Message[:200]
		}
		return resp.StatusCode, &api
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
