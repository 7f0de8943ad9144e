package protocol

import (
	"encoding/json"
	"fmt"
)

// wire envelope: a JSON array [eventType, requestId, ...payload]
// every event on the socket uses this envelope, in both directions

type EventType int

const (
	EventTypeMessage         EventType = 1
	EventTypeUploadRequest   EventType = 2
	EventTypeUploadResponse  EventType = 3
	EventTypeDownloadRequest EventType = 4
	EventTypeError           EventType = 5
)

// message types carried by `EventTypeMessage` payloads
const (
	MessageTypeLogin                  = "login"
	MessageTypeLoginResult            = "login_result"
	MessageTypeWatchBranch            = "repo/watch_branch"
	MessageTypeAddUpdates             = "repo/add_updates"
	MessageTypeUpdatesReceived        = "repo/updates_received"
	MessageTypeGetUpdates             = "repo/get_updates"
	MessageTypeUnwatchBranch          = "repo/unwatch_branch"
	MessageTypeWatchBranchDevices     = "repo/watch_branch_devices"
	MessageTypeUnwatchBranchDevices   = "repo/unwatch_branch_devices"
	MessageTypeConnectedToBranch      = "repo/connected_to_branch"
	MessageTypeDisconnectedFromBranch = "repo/disconnected_from_branch"
	MessageTypeSendAction             = "repo/send_action"
	MessageTypeReceiveAction          = "repo/receive_action"
	MessageTypeConnectionCount        = "repo/connection_count"
	MessageTypeSyncTime               = "sync/time"
	MessageTypeRateLimitExceeded      = "rate_limit_exceeded"
)

// error codes
const (
	ErrorCodeUnacceptableRequest      = "unacceptable_request"
	ErrorCodeUnacceptableConnectionId = "unacceptable_connection_id"
	ErrorCodeInvalidKey               = "invalid_key"
	ErrorCodeNotAuthorized            = "not_authorized"
	ErrorCodeNotSupported             = "not_supported"
	ErrorCodeRateLimitExceeded        = "rate_limit_exceeded"
	ErrorCodeServerError              = "server_error"
)

type Message interface {
	MessageType() string
}

type ConnectionInfo struct {
	ConnectionId string `json:"connectionId"`
	UserId       string `json:"userId,omitempty"`
	SessionId    string `json:"sessionId,omitempty"`
}

type Login struct {
	Type            string `json:"type"`
	ConnectionToken string `json:"connectionToken,omitempty"`
	ConnectionId    string `json:"connectionId,omitempty"`
}

func (self *Login) MessageType() string {
	return MessageTypeLogin
}

type LoginResult struct {
	Type string          `json:"type"`
	Info *ConnectionInfo `json:"info"`
}

func (self *LoginResult) MessageType() string {
	return MessageTypeLoginResult
}

type WatchBranch struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst"`
	Branch     string `json:"branch"`
}

func (self *WatchBranch) MessageType() string {
	return MessageTypeWatchBranch
}

type AddUpdates struct {
	Type       string   `json:"type"`
	RecordName string   `json:"recordName,omitempty"`
	Inst       string   `json:"inst"`
	Branch     string   `json:"branch"`
	Updates    []string `json:"updates"`
	// unix milliseconds per update, set on read replies
	Timestamps []int64 `json:"timestamps,omitempty"`
	UpdateId   int64   `json:"updateId,omitempty"`
	Initial    bool    `json:"initial,omitempty"`
}

func (self *AddUpdates) MessageType() string {
	return MessageTypeAddUpdates
}

type UpdatesReceived struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst"`
	Branch     string `json:"branch"`
	UpdateId   int64  `json:"updateId"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

func (self *UpdatesReceived) MessageType() string {
	return MessageTypeUpdatesReceived
}

type GetUpdates struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst"`
	Branch     string `json:"branch"`
}

func (self *GetUpdates) MessageType() string {
	return MessageTypeGetUpdates
}

type UnwatchBranch struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst"`
	Branch     string `json:"branch"`
}

func (self *UnwatchBranch) MessageType() string {
	return MessageTypeUnwatchBranch
}

type WatchBranchDevices struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst"`
	Branch     string `json:"branch"`
}

func (self *WatchBranchDevices) MessageType() string {
	return MessageTypeWatchBranchDevices
}

type UnwatchBranchDevices struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst"`
	Branch     string `json:"branch"`
}

func (self *UnwatchBranchDevices) MessageType() string {
	return MessageTypeUnwatchBranchDevices
}

type ConnectedToBranch struct {
	Type       string          `json:"type"`
	Broadcast  bool            `json:"broadcast"`
	RecordName string          `json:"recordName,omitempty"`
	Inst       string          `json:"inst"`
	Branch     string          `json:"branch"`
	Connection *ConnectionInfo `json:"connection"`
}

func (self *ConnectedToBranch) MessageType() string {
	return MessageTypeConnectedToBranch
}

type DisconnectedFromBranch struct {
	Type       string          `json:"type"`
	Broadcast  bool            `json:"broadcast"`
	RecordName string          `json:"recordName,omitempty"`
	Inst       string          `json:"inst"`
	Branch     string          `json:"branch"`
	Connection *ConnectionInfo `json:"connection"`
}

func (self *DisconnectedFromBranch) MessageType() string {
	return MessageTypeDisconnectedFromBranch
}

type SendAction struct {
	Type       string          `json:"type"`
	RecordName string          `json:"recordName,omitempty"`
	Inst       string          `json:"inst"`
	Branch     string          `json:"branch"`
	Action     json.RawMessage `json:"action"`
	// target selector. empty `ConnectionId` with `Broadcast` unset targets
	// every watcher of the branch
	ConnectionId string `json:"connectionId,omitempty"`
	Broadcast    bool   `json:"broadcast,omitempty"`
}

func (self *SendAction) MessageType() string {
	return MessageTypeSendAction
}

type ReceiveAction struct {
	Type       string          `json:"type"`
	RecordName string          `json:"recordName,omitempty"`
	Inst       string          `json:"inst"`
	Branch     string          `json:"branch"`
	Action     json.RawMessage `json:"action"`
	Connection *ConnectionInfo `json:"connection"`
}

func (self *ReceiveAction) MessageType() string {
	return MessageTypeReceiveAction
}

type ConnectionCount struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Count      int    `json:"count,omitempty"`
}

func (self *ConnectionCount) MessageType() string {
	return MessageTypeConnectionCount
}

type SyncTime struct {
	Type string `json:"type"`
	Id   int64  `json:"id"`
	// all times are unix milliseconds
	ClientRequestTime  int64 `json:"clientRequestTime"`
	ServerReceiveTime  int64 `json:"serverReceiveTime,omitempty"`
	ServerTransmitTime int64 `json:"serverTransmitTime,omitempty"`
}

func (self *SyncTime) MessageType() string {
	return MessageTypeSyncTime
}

type RateLimitExceeded struct {
	Type string `json:"type"`
	// milliseconds until the next message will be accepted
	RetryAfter int64 `json:"retryAfter"`
	TotalHits  int64 `json:"totalHits"`
}

func (self *RateLimitExceeded) MessageType() string {
	return MessageTypeRateLimitExceeded
}

// denial detail attached to `not_authorized` errors
type DenialReason struct {
	Kind       string `json:"kind"`
	Id         string `json:"id"`
	Permission string `json:"permission"`
	Marker     string `json:"marker,omitempty"`
	Role       string `json:"role,omitempty"`
}

type ErrorInfo struct {
	Success      bool          `json:"success"`
	ErrorCode    string        `json:"errorCode"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Reason       *DenialReason `json:"reason,omitempty"`
	// milliseconds, set for `rate_limit_exceeded`
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

func (self *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", self.ErrorCode, self.ErrorMessage)
}

func NewErrorInfo(code string, message string) *ErrorInfo {
	return &ErrorInfo{
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: message,
	}
}
