package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is one decoded envelope.
// exactly one of `Message`, `Upload`, `Download`, `Err` is set,
// matching `Type`.
type Event struct {
	Type      EventType
	RequestId int64
	// raw message payload for `EventTypeMessage`
	Message json.RawMessage
	// upload destination for `EventTypeUploadResponse`
	UploadUrl    string
	UploadMethod string
	// payload location for `EventTypeDownloadRequest`
	DownloadUrl string
	Err         *ErrorInfo
}

func EncodeMessageEvent(requestId int64, message Message) ([]byte, error) {
	messageJson, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{int(EventTypeMessage), requestId, json.RawMessage(messageJson)})
}

func RequireEncodeMessageEvent(requestId int64, message Message) []byte {
	b, err := EncodeMessageEvent(requestId, message)
	if err != nil {
		panic(err)
	}
	return b
}

func EncodeUploadRequestEvent(requestId int64) ([]byte, error) {
	return json.Marshal([]any{int(EventTypeUploadRequest), requestId})
}

func EncodeUploadResponseEvent(requestId int64, uploadUrl string, uploadMethod string) ([]byte, error) {
	return json.Marshal([]any{int(EventTypeUploadResponse), requestId, uploadUrl, uploadMethod})
}

func EncodeDownloadRequestEvent(requestId int64, downloadUrl string) ([]byte, error) {
	return json.Marshal([]any{int(EventTypeDownloadRequest), requestId, downloadUrl})
}

func EncodeErrorEvent(requestId int64, errorInfo *ErrorInfo) ([]byte, error) {
	return json.Marshal([]any{int(EventTypeError), requestId, errorInfo})
}

func DecodeEvent(b []byte) (*Event, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return nil, fmt.Errorf("malformed event envelope: %w", err)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed event envelope: %d parts", len(parts))
	}

	var eventTypeInt int
	if err := json.Unmarshal(parts[0], &eventTypeInt); err != nil {
		return nil, fmt.Errorf("malformed event type: %w", err)
	}
	event := &Event{
		Type: EventType(eventTypeInt),
	}
	if err := json.Unmarshal(parts[1], &event.RequestId); err != nil {
		return nil, fmt.Errorf("malformed request id: %w", err)
	}

	switch event.Type {
	case EventTypeMessage:
		if len(parts) < 3 {
			return nil, fmt.Errorf("message event missing payload")
		}
		event.Message = parts[2]
	case EventTypeUploadRequest:
		// no payload
	case EventTypeUploadResponse:
		if len(parts) < 4 {
			return nil, fmt.Errorf("upload response event missing payload")
		}
		if err := json.Unmarshal(parts[2], &event.UploadUrl); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[3], &event.UploadMethod); err != nil {
			return nil, err
		}
	case EventTypeDownloadRequest:
		if len(parts) < 3 {
			return nil, fmt.Errorf("download request event missing payload")
		}
		if err := json.Unmarshal(parts[2], &event.DownloadUrl); err != nil {
			return nil, err
		}
	case EventTypeError:
		if len(parts) < 3 {
			return nil, fmt.Errorf("error event missing payload")
		}
		errorInfo := &ErrorInfo{}
		if err := json.Unmarshal(parts[2], errorInfo); err != nil {
			return nil, err
		}
		event.Err = errorInfo
	default:
		return nil, fmt.Errorf("unknown event type: %d", eventTypeInt)
	}

	return event, nil
}

// DecodeMessage decodes the payload of a `EventTypeMessage` event
// into its concrete message struct, keyed by the `type` discriminator.
func DecodeMessage(b []byte) (Message, error) {
	var discriminator struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &discriminator); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	var message Message
	switch discriminator.Type {
	case MessageTypeLogin:
		message = &Login{}
	case MessageTypeLoginResult:
		message = &LoginResult{}
	case MessageTypeWatchBranch:
		message = &WatchBranch{}
	case MessageTypeAddUpdates:
		message = &AddUpdates{}
	case MessageTypeUpdatesReceived:
		message = &UpdatesReceived{}
	case MessageTypeGetUpdates:
		message = &GetUpdates{}
	case MessageTypeUnwatchBranch:
		message = &UnwatchBranch{}
	case MessageTypeWatchBranchDevices:
		message = &WatchBranchDevices{}
	case MessageTypeUnwatchBranchDevices:
		message = &UnwatchBranchDevices{}
	case MessageTypeConnectedToBranch:
		message = &ConnectedToBranch{}
	case MessageTypeDisconnectedFromBranch:
		message = &DisconnectedFromBranch{}
	case MessageTypeSendAction:
		message = &SendAction{}
	case MessageTypeReceiveAction:
		message = &ReceiveAction{}
	case MessageTypeConnectionCount:
		message = &ConnectionCount{}
	case MessageTypeSyncTime:
		message = &SyncTime{}
	case MessageTypeRateLimitExceeded:
		message = &RateLimitExceeded{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", discriminator.Type)
	}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	return message, nil
}

func RequireDecodeMessage(b []byte) Message {
	message, err := DecodeMessage(b)
	if err != nil {
		panic(err)
	}
	return message
}
