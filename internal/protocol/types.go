// Package protocol defines the JSON text frames exchanged with the hub.
//
// Requests are flat objects carrying a "type" and a client generated
// "transaction_id" next to the operation fields. Everything the hub sends is an
// Envelope; pushed events are envelopes whose data object carries a "type".
package protocol

// Operation is the "type" of an outbound request.
type Operation string

const (
	OpLoginPassword         Operation = "login_pass"
	OpLoginSession          Operation = "login_session"
	OpCreateAccount         Operation = "signup"
	OpRequestPasswordReset  Operation = "request_password_reset"
	OpResetPassword         Operation = "reset_password"
	OpGetCameras            Operation = "get_cameras"
	OpStartDiscoverCameras  Operation = "discover_cameras"
	OpStopDiscoverCameras   Operation = "stop_discovery"
	OpStartStreamCamera     Operation = "stream_camera"
	OpStopStreamCamera      Operation = "stop_stream"
	OpRenameCamera          Operation = "rename_camera"
	OpUnpairCamera          Operation = "unpair_camera"
	OpPairCamera            Operation = "pair_camera"
	OpShareCamera           Operation = "share_camera"
	OpSaveRedzone           Operation = "save_polygon"
	OpUpdateAlertCategories Operation = "update_alert_categories"
	OpGetNotifications      Operation = "get_notifications"
	OpGetPlaybackRange      Operation = "get_playback_range"
	OpGetPlaybackChunk      Operation = "get_playback_chunk"
	OpSendFCMToken          Operation = "send_fcm_token"
)

func (o Operation) String() string {
	return string(o)
}

// EventType is the "type" found inside the data object of a pushed message.
type EventType string

const (
	EventFrame            EventType = "frame"
	EventCameraDiscovered EventType = "camera_discovered"
	EventRedZoneTrigger   EventType = "red_zone_trigger"
)

func (e EventType) String() string {
	return string(e)
}

// StatusSuccess is the only status value treated as success.
const StatusSuccess = "success"

// ReservedTransactionID is never assigned to a request.
const ReservedTransactionID uint32 = 0
