// Package uds implements Unix Domain Socket based IPC between the CLI and daemon.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const ProtocolVersion = 1

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
)

const (
	CmdPing     = "ping"
	CmdStatus   = "status"
	CmdEnqueue  = "enqueue"
	CmdVisit    = "visit"
	CmdPause    = "pause"
	CmdResume   = "resume"
	CmdShutdown = "shutdown"
)

// EnqueueParams addresses a chunk by chunk coordinates.
type EnqueueParams struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// VisitParams is a player position in world coordinates.
type VisitParams struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// EnqueueResult answers enqueue and visit. Enqueued is false when the chunk
// was already known.
type EnqueueResult struct {
	Chunk    string `json:"chunk"`
	Enqueued bool   `json:"enqueued"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// DefaultSocketName is the socket filename inside .voxrun/.
const DefaultSocketName = "voxrun.sock"

// MaxFrameSize bounds a single request or response payload.
const MaxFrameSize = 1 << 20

// DecodeParams unmarshals request params into v. Missing params are an error.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("%s: missing params", r.Command)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("%s: invalid params: %w", r.Command, err)
	}
	return nil
}

// Err converts a failed response into an error.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return fmt.Errorf("daemon returned failure without detail")
	}
	return fmt.Errorf("%s: %s", r.Error.Code, r.Error.Message)
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("empty response data")
	}
	return json.Unmarshal(r.Data, v)
}

// WriteFrame encodes v as one frame: a 4-byte big-endian length followed by
// the JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame decodes one frame written by WriteFrame into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
