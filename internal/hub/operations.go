package hub

import (
	"context"
	"time"

	"github.com/bilbercode/hsec-client/internal/protocol"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type macBody struct {
	MAC string `json:"mac"`
}

// LoginWithPassword exchanges credentials for a session token.
func (c *Client) LoginWithPassword(ctx context.Context, email, password string, opts ...CallOption) TokenResult {
	res := c.token(ctx, protocol.OpLoginPassword, credentials{Email: email, Password: password}, opts)
	if res.Success {
		c.rememberLogin(email, res.SessionToken)
	}
	return res
}

// CreateAccount registers a new user and returns its session token.
func (c *Client) CreateAccount(ctx context.Context, email, password string, opts ...CallOption) TokenResult {
	res := c.token(ctx, protocol.OpCreateAccount, credentials{Email: email, Password: password}, opts)
	if res.Success {
		c.rememberLogin(email, res.SessionToken)
	}
	return res
}

func (c *Client) token(ctx context.Context, op protocol.Operation, body interface{}, opts []CallOption) TokenResult {
	env, res := c.call(ctx, op, body, opts)
	if !res.Success {
		return TokenResult{Result: res}
	}
	token, err := decodeToken(env)
	if err != nil {
		return TokenResult{Result: c.malformed(op, err)}
	}
	return TokenResult{Result: res, SessionToken: token}
}

// LoginWithSession validates a previously issued session token.
func (c *Client) LoginWithSession(ctx context.Context, email, token string, opts ...CallOption) ReasonResult {
	body := struct {
		Email     string `json:"email"`
		SessionID string `json:"session_id"`
	}{Email: email, SessionID: token}
	return c.reason(ctx, protocol.OpLoginSession, body, opts)
}

// RequestPasswordReset asks the hub to send a reset code to email.
func (c *Client) RequestPasswordReset(ctx context.Context, email string, opts ...CallOption) PasswordResetResult {
	body := struct {
		Email string `json:"email"`
	}{Email: email}

	env, res := c.call(ctx, protocol.OpRequestPasswordReset, body, opts)
	if !res.Success {
		return PasswordResetResult{Result: res, Reason: res.Info}
	}
	reason, left, err := decodePasswordReset(env)
	if err != nil {
		return PasswordResetResult{Result: c.malformed(protocol.OpRequestPasswordReset, err)}
	}
	return PasswordResetResult{Result: ok(reason), Reason: reason, TimeLeft: left}
}

func (c *Client) ResetPassword(ctx context.Context, email, code, newPassword string, opts ...CallOption) ReasonResult {
	body := struct {
		Email       string `json:"email"`
		ResetCode   string `json:"reset_code"`
		NewPassword string `json:"new_password"`
	}{Email: email, ResetCode: code, NewPassword: newPassword}
	return c.reason(ctx, protocol.OpResetPassword, body, opts)
}

func (c *Client) reason(ctx context.Context, op protocol.Operation, body interface{}, opts []CallOption) ReasonResult {
	_, res := c.call(ctx, op, body, opts)
	return ReasonResult{Result: res, Reason: res.Info}
}

// GetCameras lists the paired cameras and the alert categories the hub knows.
func (c *Client) GetCameras(ctx context.Context, opts ...CallOption) CamerasResult {
	env, res := c.call(ctx, protocol.OpGetCameras, nil, opts)
	if !res.Success {
		return CamerasResult{Result: res, Cameras: []Camera{}, Categories: []string{}}
	}
	cameras, categories, err := decodeCameras(env)
	if err != nil {
		return CamerasResult{Result: c.malformed(protocol.OpGetCameras, err), Cameras: []Camera{}, Categories: []string{}}
	}
	return CamerasResult{Result: res, Cameras: cameras, Categories: categories}
}

func (c *Client) RenameCamera(ctx context.Context, mac, newName string, opts ...CallOption) Result {
	body := struct {
		MAC     string `json:"mac"`
		NewName string `json:"new_name"`
	}{MAC: mac, NewName: newName}
	_, res := c.call(ctx, protocol.OpRenameCamera, body, opts)
	return res
}

func (c *Client) UnpairCamera(ctx context.Context, mac string, opts ...CallOption) Result {
	_, res := c.call(ctx, protocol.OpUnpairCamera, macBody{MAC: mac}, opts)
	return res
}

// PairCamera links a discovered camera using the code shown on it.
func (c *Client) PairCamera(ctx context.Context, ip string, port int, mac, code string, opts ...CallOption) Result {
	body := struct {
		IP   string `json:"ip"`
		Code string `json:"code"`
		Port int    `json:"port"`
		MAC  string `json:"mac"`
	}{IP: ip, Code: code, Port: port, MAC: mac}
	_, res := c.call(ctx, protocol.OpPairCamera, body, opts)
	return res
}

// ShareCamera grants another account access to a camera.
func (c *Client) ShareCamera(ctx context.Context, mac, email string, opts ...CallOption) Result {
	body := struct {
		MAC   string `json:"mac"`
		Email string `json:"email"`
	}{MAC: mac, Email: email}
	_, res := c.call(ctx, protocol.OpShareCamera, body, opts)
	return res
}

// SaveRedzone stores the monitored region of a camera.
func (c *Client) SaveRedzone(ctx context.Context, mac string, polygon Polygon, opts ...CallOption) Result {
	if polygon == nil {
		polygon = Polygon{}
	}
	body := struct {
		MAC     string  `json:"mac"`
		Polygon Polygon `json:"polygon"`
	}{MAC: mac, Polygon: polygon}
	_, res := c.call(ctx, protocol.OpSaveRedzone, body, opts)
	return res
}

// UpdateAlertCategories sets which detection categories raise alerts.
func (c *Client) UpdateAlertCategories(ctx context.Context, mac string, categories []string, opts ...CallOption) Result {
	if categories == nil {
		categories = []string{}
	}
	body := struct {
		MAC        string   `json:"mac"`
		Categories []string `json:"categories"`
	}{MAC: mac, Categories: categories}
	_, res := c.call(ctx, protocol.OpUpdateAlertCategories, body, opts)
	return res
}

// GetNotifications returns stored alerts in the order the hub sent them.
func (c *Client) GetNotifications(ctx context.Context, opts ...CallOption) NotificationsResult {
	env, res := c.call(ctx, protocol.OpGetNotifications, nil, opts)
	if !res.Success {
		return NotificationsResult{Result: res, Notifications: []Notification{}}
	}
	notifications, err := decodeNotifications(env)
	if err != nil {
		return NotificationsResult{Result: c.malformed(protocol.OpGetNotifications, err), Notifications: []Notification{}}
	}
	return NotificationsResult{Result: res, Notifications: notifications}
}

// GetPlaybackRange returns the span of recorded footage for a camera.
func (c *Client) GetPlaybackRange(ctx context.Context, mac string, opts ...CallOption) PlaybackRangeResult {
	env, res := c.call(ctx, protocol.OpGetPlaybackRange, macBody{MAC: mac}, opts)
	if !res.Success {
		return PlaybackRangeResult{Result: res}
	}
	start, end, err := decodePlaybackRange(env)
	if err != nil {
		return PlaybackRangeResult{Result: c.malformed(protocol.OpGetPlaybackRange, err)}
	}
	return PlaybackRangeResult{Result: res, Start: start, End: end}
}

// GetPlaybackChunk fetches the recording of a camera between start and end.
func (c *Client) GetPlaybackChunk(ctx context.Context, mac string, start, end time.Time, opts ...CallOption) PlaybackChunkResult {
	body := struct {
		MAC       string `json:"mac"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}{MAC: mac, StartDate: formatISO(start), EndDate: formatISO(end)}

	env, res := c.call(ctx, protocol.OpGetPlaybackChunk, body, opts)
	if !res.Success {
		return PlaybackChunkResult{Result: res}
	}
	chunk, err := decodePlaybackChunk(env)
	if err != nil {
		return PlaybackChunkResult{Result: c.malformed(protocol.OpGetPlaybackChunk, err)}
	}
	return PlaybackChunkResult{
		Result:   res,
		Video:    chunk.Video,
		Duration: chunk.Duration,
		Width:    chunk.Width,
		Height:   chunk.Height,
	}
}

// fcmAcceptWindow bounds how long SendFCMToken waits for a rejection.
const fcmAcceptWindow = 2 * time.Second

// InfoFCMTokenAccepted is reported when the hub stays silent about a token.
const InfoFCMTokenAccepted = "FCM token accepted"

// SendFCMToken registers this device for push notifications. The hub only
// answers when it rejects the token, so silence until the timeout (two seconds
// unless WithTimeout says otherwise) counts as success.
func (c *Client) SendFCMToken(ctx context.Context, token string, opts ...CallOption) Result {
	body := struct {
		Token string `json:"token"`
	}{Token: token}
	opts = append([]CallOption{WithTimeout(fcmAcceptWindow)}, opts...)
	_, res := c.call(ctx, protocol.OpSendFCMToken, body, opts)
	if res.Failure == FailureTimeout {
		return ok(InfoFCMTokenAccepted)
	}
	return res
}
