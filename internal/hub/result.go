package hub

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bilbercode/hsec-client/internal/protocol"
)

// Info texts for failures produced locally.
const (
	InfoNotConnected = "Not connected to server"
	InfoDisconnected = "Connection to server lost"
	InfoNoStream     = "No active stream"
)

// Failure classifies why an operation did not succeed.
type Failure int

const (
	FailureNone Failure = iota
	FailureNotConnected
	FailureTimeout
	FailureServer
	FailureMalformed
	FailureDisconnected
	FailureCancelled
	FailureNoStream
)

func (f Failure) String() string {
	switch f {
	case FailureNotConnected:
		return "not_connected"
	case FailureTimeout:
		return "timeout"
	case FailureServer:
		return "server"
	case FailureMalformed:
		return "malformed"
	case FailureDisconnected:
		return "disconnected"
	case FailureCancelled:
		return "cancelled"
	case FailureNoStream:
		return "no_stream"
	default:
		return "none"
	}
}

// Result is embedded in every operation result. Info carries the hub's text
// verbatim when there is one.
type Result struct {
	Success bool
	Info    string
	Failure Failure
}

func ok(info string) Result {
	return Result{Success: true, Info: info}
}

func failed(f Failure, info string) Result {
	return Result{Failure: f, Info: info}
}

type TokenResult struct {
	Result
	SessionToken string
}

type ReasonResult struct {
	Result
	Reason string
}

type PasswordResetResult struct {
	Result
	Reason   string
	TimeLeft time.Duration
}

type CamerasResult struct {
	Result
	Cameras    []Camera
	Categories []string
}

type StreamResult struct {
	Result
	Handle StreamHandle
}

type NotificationsResult struct {
	Result
	Notifications []Notification
}

type PlaybackRangeResult struct {
	Result
	Start time.Time
	End   time.Time
}

type PlaybackChunkResult struct {
	Result
	Video    []byte
	Duration time.Duration
	Width    int
	Height   int
}

// Point is an [x, y] pair in frame coordinates.
type Point [2]float64

// Polygon is an ordered, implicitly closed list of points.
type Polygon []Point

// Camera is a paired camera as listed by the hub.
type Camera struct {
	Name       string   `json:"name"`
	MAC        string   `json:"mac"`
	IP         string   `json:"ip,omitempty"`
	Port       int      `json:"port,omitempty"`
	Connected  bool     `json:"connected"`
	LastFrame  string   `json:"last_frame,omitempty"`
	Categories []string `json:"alert_categories,omitempty"`
	Redzone    Polygon  `json:"red_zone,omitempty"`
}

// UnmarshalJSON accepts red_zone and alert_categories either as arrays or as
// the JSON text the hub stores them as.
func (c *Camera) UnmarshalJSON(b []byte) error {
	type plain Camera
	var raw struct {
		plain
		Categories json.RawMessage `json:"alert_categories"`
		Redzone    json.RawMessage `json:"red_zone"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = Camera(raw.plain)
	if err := unmarshalStored(raw.Categories, &c.Categories); err != nil {
		return fmt.Errorf("alert_categories: %w", err)
	}
	if err := unmarshalStored(raw.Redzone, &c.Redzone); err != nil {
		return fmt.Errorf("red_zone: %w", err)
	}
	return nil
}

// unmarshalStored decodes b into v, unwrapping one level of JSON string.
// null and empty strings leave v untouched.
func unmarshalStored(b json.RawMessage, v interface{}) error {
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	var text string
	if err := json.Unmarshal(b, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		b = json.RawMessage(text)
	}
	return json.Unmarshal(b, v)
}

// ID is the short identifier shown for a camera: the last three MAC octets.
func (c Camera) ID() string {
	parts := strings.Split(c.MAC, ":")
	if len(parts) < 6 {
		return strings.ReplaceAll(c.MAC, ":", "")
	}
	return strings.Join(parts[3:6], "")
}

// Notification is an alert stored by the hub.
type Notification struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	MAC       string `json:"mac"`
	Timestamp int64  `json:"timestamp"`
	Frame     string `json:"frame,omitempty"`
}

// Time converts the unix-seconds timestamp.
func (n Notification) Time() time.Time {
	return time.Unix(n.Timestamp, 0)
}

// isoLayout matches what browsers emit for Date.toISOString.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

func formatISO(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// hubTime accepts an RFC 3339 string or unix seconds.
type hubTime struct {
	time.Time
}

func (h *hubTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			h.Time = t
			return nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			h.Time = unixFloat(secs)
			return nil
		}
		return fmt.Errorf("unrecognised time %q", s)
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("unrecognised time %s", string(b))
	}
	h.Time = unixFloat(secs)
	return nil
}

func unixFloat(secs float64) time.Time {
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*float64(time.Second)))
}

func decodeToken(env protocol.Envelope) (string, error) {
	var s string
	if err := json.Unmarshal(env.Data, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("%w: empty session token", protocol.ErrMalformed)
		}
		return s, nil
	}
	var fields struct {
		SessionID    string `json:"session_id"`
		SessionToken string `json:"session_token"`
		Token        string `json:"token"`
	}
	if err := env.DecodeData(&fields); err != nil {
		return "", err
	}
	for _, v := range []string{fields.SessionID, fields.SessionToken, fields.Token} {
		if v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: no session token in response", protocol.ErrMalformed)
}

func decodeCameras(env protocol.Envelope) ([]Camera, []string, error) {
	var data struct {
		Cameras    *[]Camera `json:"cameras"`
		Categories []string  `json:"categories"`
	}
	if err := env.DecodeData(&data); err != nil {
		return nil, nil, err
	}
	if data.Cameras == nil {
		return nil, nil, fmt.Errorf("%w: no camera list", protocol.ErrMalformed)
	}
	for i, cam := range *data.Cameras {
		if cam.MAC == "" {
			return nil, nil, fmt.Errorf("%w: camera %d has no mac", protocol.ErrMalformed, i)
		}
	}
	categories := data.Categories
	if categories == nil {
		categories = []string{}
	}
	return *data.Cameras, categories, nil
}

// decodeNotifications accepts the bare list the hub sends, or a list wrapped
// in a notifications member.
func decodeNotifications(env protocol.Envelope) ([]Notification, error) {
	var list []Notification
	if err := json.Unmarshal(env.Data, &list); err == nil {
		if list == nil {
			list = []Notification{}
		}
		return list, nil
	}
	var data struct {
		Notifications *[]Notification `json:"notifications"`
	}
	if err := env.DecodeData(&data); err != nil {
		return nil, err
	}
	if data.Notifications == nil {
		return nil, fmt.Errorf("%w: no notification list", protocol.ErrMalformed)
	}
	return *data.Notifications, nil
}

func decodePasswordReset(env protocol.Envelope) (string, time.Duration, error) {
	var s string
	if err := json.Unmarshal(env.Data, &s); err == nil {
		return s, 0, nil
	}
	var data struct {
		Info     string   `json:"info"`
		Reason   string   `json:"reason"`
		TimeLeft *float64 `json:"time_left"`
	}
	if err := env.DecodeData(&data); err != nil {
		return "", 0, err
	}
	var left time.Duration
	if data.TimeLeft != nil {
		left = time.Duration(*data.TimeLeft * float64(time.Second))
	}
	if data.Info != "" {
		return data.Info, left, nil
	}
	return data.Reason, left, nil
}

func decodePlaybackRange(env protocol.Envelope) (time.Time, time.Time, error) {
	var data struct {
		Start *hubTime `json:"start_date"`
		End   *hubTime `json:"end_date"`
	}
	if err := env.DecodeData(&data); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if data.Start == nil || data.End == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: playback range missing bounds", protocol.ErrMalformed)
	}
	if data.End.Before(data.Start.Time) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: playback range ends before it starts", protocol.ErrMalformed)
	}
	return data.Start.Time, data.End.Time, nil
}

type playbackChunk struct {
	Video    []byte
	Duration time.Duration
	Width    int
	Height   int
}

func decodePlaybackChunk(env protocol.Envelope) (playbackChunk, error) {
	var data struct {
		Video    *string `json:"video"`
		Duration float64 `json:"duration"`
		Width    int     `json:"width"`
		Height   int     `json:"height"`
	}
	if err := env.DecodeData(&data); err != nil {
		return playbackChunk{}, err
	}
	if data.Video == nil {
		return playbackChunk{}, fmt.Errorf("%w: playback chunk has no video", protocol.ErrMalformed)
	}
	video, err := base64.StdEncoding.DecodeString(*data.Video)
	if err != nil {
		return playbackChunk{}, fmt.Errorf("%w: playback video: %s", protocol.ErrMalformed, err.Error())
	}
	return playbackChunk{
		Video:    video,
		Duration: time.Duration(data.Duration * float64(time.Second)),
		Width:    data.Width,
		Height:   data.Height,
	}, nil
}
