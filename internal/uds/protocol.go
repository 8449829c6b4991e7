// Package uds carries CLI <-> daemon requests over a Unix domain socket as
// length-prefixed JSON frames.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside .shogun/.
const DefaultSocketName = "daemon.sock"

const maxFrameSize = 10 * 1024 * 1024

// Daemon commands.
const (
	CmdPing     = "ping"
	CmdSubmit   = "submit"
	CmdJob      = "job"
	CmdApprove  = "approve"
	CmdReject   = "reject"
	CmdStatus   = "status"
	CmdHistory  = "history"
	CmdShutdown = "shutdown"
)

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

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
)

type SubmitParams struct {
	Input     string `json:"input"`
	ProjectID string `json:"project_id,omitempty"`
}

type SubmitResult struct {
	JobID string `json:"job_id"`
}

// JobParams asks for a job's progress lines starting at index Since.
type JobParams struct {
	JobID string `json:"job_id"`
	Since int    `json:"since"`
}

type JobResult struct {
	JobID           string   `json:"job_id"`
	Lines           []string `json:"lines"`
	Next            int      `json:"next"`
	PendingApproval string   `json:"pending_approval,omitempty"`
	Done            bool     `json:"done"`
	Result          string   `json:"result,omitempty"`
}

type DecisionParams struct {
	JobID string `json:"job_id"`
}

type DecisionResult struct {
	Changed bool `json:"changed"`
}

type RoleStatus struct {
	Role  string `json:"role"`
	Ready bool   `json:"ready"`
	Busy  bool   `json:"busy"`
	Queue int    `json:"queue"`
}

type JobSummary struct {
	JobID           string    `json:"job_id"`
	Input           string    `json:"input"`
	Submitted       time.Time `json:"submitted_at"`
	PendingApproval bool      `json:"pending_approval"`
	Done            bool      `json:"done"`
}

type StatusResult struct {
	Workspace string       `json:"workspace"`
	Approval  string       `json:"approval"`
	Roles     []RoleStatus `json:"roles"`
	Jobs      []JobSummary `json:"jobs"`
}

type HistoryParams struct {
	Limit int `json:"limit"`
}

type HistoryEntry struct {
	JobID     string    `json:"job_id"`
	Project   string    `json:"project,omitempty"`
	Input     string    `json:"input"`
	Outcome   string    `json:"outcome"`
	Result    string    `json:"result"`
	Submitted time.Time `json:"submitted_at"`
	Finished  time.Time `json:"finished_at"`
}

type HistoryResult struct {
	Entries []HistoryEntry `json:"entries"`
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

// DecodeParams unmarshals the request params into v. Missing params leave v
// untouched.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
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

// WriteFrame writes v as [4-byte big-endian length][JSON payload].
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame into v.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
