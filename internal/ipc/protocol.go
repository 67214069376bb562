package ipc

import (
	"errors"
	"strings"
)

// Commands understood by a running listener.
const (
	CommandStatus = "status"
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandStop   = "stop"
)

// Request is one newline-delimited JSON command.
type Request struct {
	Command string `json:"command"`
}

func (r Request) normalized() Request {
	r.Command = strings.ToLower(strings.TrimSpace(r.Command))
	return r
}

// Response reports listener state after a command. Session and Message are
// only populated for status.
type Response struct {
	OK      bool   `json:"ok"`
	State   string `json:"state,omitempty"`
	Session string `json:"session,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Err converts a rejected response into an error.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == "" {
		return errors.New("listener rejected command")
	}
	return errors.New(r.Error)
}
