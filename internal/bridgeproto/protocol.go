// Package bridgeproto implements the newline-delimited JSON wire protocol
// spoken between the bridge supervisor and the sandboxed bridge process.
package bridgeproto

import "encoding/json"

// Command kinds sent control-plane → bridge.
const (
	CmdQuery     = "query"
	CmdResume    = "resume"
	CmdInterrupt = "interrupt"
	CmdShutdown  = "shutdown"
)

// Event kinds sent bridge → control-plane.
const (
	EvReady   = "ready"
	EvMessage = "message"
	EvError   = "error"
	EvDone    = "done"
)

// Command is the discriminated union of control-plane → bridge frames.
type Command struct {
	Cmd                  string `json:"cmd"`
	Prompt               string `json:"prompt,omitempty"`
	SessionID            string `json:"sessionId,omitempty"`
	IncludePartialMessages bool `json:"includePartialMessages,omitempty"`
}

func QueryCommand(sessionID, prompt string, includePartial bool) Command {
	return Command{Cmd: CmdQuery, SessionID: sessionID, Prompt: prompt, IncludePartialMessages: includePartial}
}

func ResumeCommand(sessionID string) Command {
	return Command{Cmd: CmdResume, SessionID: sessionID}
}

func InterruptCommand() Command {
	return Command{Cmd: CmdInterrupt}
}

func ShutdownCommand() Command {
	return Command{Cmd: CmdShutdown}
}

// Event is the discriminated union of bridge → control-plane frames.
// Data carries the opaque, verbatim upstream-AI-SDK message payload for
// "message" events — the core never interprets its shape.
type Event struct {
	Ev        string          `json:"ev"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

func ReadyEvent() Event { return Event{Ev: EvReady} }

func MessageEvent(data json.RawMessage) Event {
	return Event{Ev: EvMessage, Data: data}
}

func ErrorEvent(msg string) Event {
	return Event{Ev: EvError, Error: msg}
}

func DoneEvent(sessionID string) Event {
	return Event{Ev: EvDone, SessionID: sessionID}
}

// peekType is used for the first-pass discrimination of an incoming frame
// before it's known whether it's a Command or an Event.
type peekType struct {
	Cmd string `json:"cmd"`
	Ev  string `json:"ev"`
}
