package tether

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// FrameType enumerates every kind of frame the session layer exchanges.
// Dispatch over frames is an exhaustive switch on this type, so adding a
// frame kind is a compile-time-visible change.
type FrameType int

const (
	// FrameTypeRequest is a client-to-server (or server-to-client) call
	// expecting a response with the same sequence id.
	FrameTypeRequest FrameType = iota + 1
	// FrameTypeResponse carries the result or error for a request.
	FrameTypeResponse
	// FrameTypeNotification is an unsolicited frame routed by target name,
	// it carries no sequence id.
	FrameTypeNotification
	// FrameTypePing is a liveness probe.
	FrameTypePing
	// FrameTypePong answers a ping.
	FrameTypePong
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeRequest:
		return "request"
	case FrameTypeResponse:
		return "response"
	case FrameTypeNotification:
		return "notification"
	case FrameTypePing:
		return "ping"
	case FrameTypePong:
		return "pong"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Frame is one discrete unit of data exchanged over the transport.
// Requests carry a monotonically increasing sequence id, responses echo it,
// notifications carry none.
type Frame struct {
	ID      uint64          `json:"id,omitempty"`
	Type    FrameType       `json:"type"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func encodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type < FrameTypeRequest || f.Type > FrameTypePong {
		return nil, fmt.Errorf("unknown frame type %d", int(f.Type))
	}
	return &f, nil
}
