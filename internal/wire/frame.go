package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

type FrameKind string

const (
	FrameAuth        FrameKind = "auth"
	FrameMessage     FrameKind = "message"
	FrameAck         FrameKind = "ack"
	FrameRPCRequest  FrameKind = "rpc_request"
	FrameRPCResponse FrameKind = "rpc_response"
)

// Frame is the unit written to the socket. Exactly one payload field is set,
// matching Kind.
type Frame struct {
	Kind     FrameKind `json:"kind"`
	Auth     *Auth     `json:"auth,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Ack      *Ack      `json:"ack,omitempty"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// Auth is the first frame a client sends after the socket opens.
type Auth struct {
	Token  string   `json:"token"`
	UserID string   `json:"userId"`
	Device string   `json:"device,omitempty"`
	Serves []string `json:"serves,omitempty"`
}

// Ack confirms receipt of the message with the original ID.
type Ack struct {
	ID   string    `json:"id"`
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

type Request struct {
	ID     string          `json:"id"`
	From   string          `json:"from"`
	Server string          `json:"server"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID     string          `json:"id"`
	To     string          `json:"to"`
	Server string          `json:"server"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func MessageFrame(m Message) Frame   { return Frame{Kind: FrameMessage, Message: &m} }
func AckFrame(a Ack) Frame           { return Frame{Kind: FrameAck, Ack: &a} }
func AuthFrame(a Auth) Frame         { return Frame{Kind: FrameAuth, Auth: &a} }
func RequestFrame(r Request) Frame   { return Frame{Kind: FrameRPCRequest, Request: &r} }
func ResponseFrame(r Response) Frame { return Frame{Kind: FrameRPCResponse, Response: &r} }

// Validate checks that the payload matching Kind is present.
func (f Frame) Validate() error {
	var ok bool
	switch f.Kind {
	case FrameAuth:
		ok = f.Auth != nil
	case FrameMessage:
		ok = f.Message != nil
	case FrameAck:
		ok = f.Ack != nil
	case FrameRPCRequest:
		ok = f.Request != nil
	case FrameRPCResponse:
		ok = f.Response != nil
	default:
		return fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	if !ok {
		return fmt.Errorf("frame %q has no payload", f.Kind)
	}
	return nil
}

func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
