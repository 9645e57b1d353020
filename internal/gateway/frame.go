package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Close codes in the 4000 range sent when the gateway drops a connection.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthFailed           = 4004
	CloseAlreadyAuthenticated = 4005
	CloseRateLimited          = 4008
	CloseTooManyConnections   = 4010
)

var (
	ErrMaxConnections  = errors.New("gateway connection limit reached")
	ErrProductRequired = errors.New("gateway connection has no product")
)

// Opcode identifies the purpose of a gateway frame.
type Opcode int

// Gateway opcodes. Dispatch carries upload events to the client; the rest drive the connection lifecycle.
const (
	OpDispatch     Opcode = 0
	OpHeartbeat    Opcode = 1
	OpIdentify     Opcode = 2
	OpReconnect    Opcode = 7
	OpHello        Opcode = 10
	OpHeartbeatACK Opcode = 11
)

// DispatchReady is sent once a client has identified and subscribed to a product.
const DispatchReady = "READY"

// Frame is the envelope for every message exchanged over the gateway socket.
type Frame struct {
	Op   Opcode          `json:"op"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// HelloData is the payload of the Hello frame sent immediately after the upgrade.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// IdentifyData is the payload a client sends to authenticate.
type IdentifyData struct {
	Token string `json:"token"`
}

// ReadyData confirms the subscription established by Identify.
type ReadyData struct {
	ProductID string `json:"product_id"`
	UserID    string `json:"user_id"`
}

// NewHelloFrame returns a serialised Hello frame with the given heartbeat interval in milliseconds.
func NewHelloFrame(heartbeatIntervalMS int) ([]byte, error) {
	data, err := json.Marshal(HelloData{HeartbeatInterval: heartbeatIntervalMS})
	if err != nil {
		return nil, fmt.Errorf("marshal hello data: %w", err)
	}
	return json.Marshal(Frame{Op: OpHello, Data: data})
}

// NewHeartbeatACKFrame returns a serialised HeartbeatACK frame.
func NewHeartbeatACKFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpHeartbeatACK})
}

// NewDispatchFrame returns a serialised Dispatch frame carrying the given event type and payload.
func NewDispatchFrame(seq int64, eventType string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op:   OpDispatch,
		Seq:  &seq,
		Type: eventType,
		Data: data,
	})
}

// NewReconnectFrame returns a serialised Reconnect frame instructing the client to reconnect.
func NewReconnectFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpReconnect})
}
