// Package agent defines the protocol-neutral data model shared by all four
// wire surfaces: messages composed of tagged parts, tasks with append-only
// history and artifacts, and the task state machine.
package agent

import (
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartKind tags the variant of a message or artifact Part.
type PartKind string

const (
	PartText PartKind = "text"
	PartData PartKind = "data"
)

// Part is one element of a Message or Artifact. Exactly one of the variant
// payloads is populated, selected by Kind.
type Part struct {
	Kind     PartKind               `json:"kind"`
	Text     string                 `json:"text,omitempty"`
	MimeType string                 `json:"mimeType,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// TextPart builds a text Part.
func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

// DataPart builds a data Part with a JSON mime type.
func DataPart(data map[string]interface{}) Part {
	return Part{Kind: PartData, MimeType: "application/json", Data: data}
}

// Message is an ordered sequence of parts with a role, optionally threaded
// into a multi-turn session by ContextID.
type Message struct {
	Role      Role       `json:"role"`
	Parts     []Part     `json:"parts"`
	ContextID string     `json:"contextId,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// FirstDataPart returns the first data part of |m|, or nil.
func (m *Message) FirstDataPart() *Part {
	for i := range m.Parts {
		if m.Parts[i].Kind == PartData {
			return &m.Parts[i]
		}
	}
	return nil
}

// TextContent concatenates all text parts of |m|, separated by newlines.
func (m *Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind != PartText || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// AgentMessage builds an agent-role message of |parts| stamped now.
func AgentMessage(parts ...Part) Message {
	var now = time.Now().UTC()
	return Message{Role: RoleAgent, Parts: parts, Timestamp: &now}
}

// Artifact is a sealed unit of task output. By convention the first text
// part carries a human-readable summary and subsequent data parts carry the
// machine payload.
type Artifact struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType,omitempty"`
	Parts    []Part `json:"parts"`
}

// TaskStatus is a task's current state with an optional agent message and
// an ISO-8601 timestamp.
type TaskStatus struct {
	State     State    `json:"state"`
	Message   *Message `json:"message,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Task is one unit of queued skill work.
type Task struct {
	ID        string                 `json:"id"`
	ContextID string                 `json:"contextId,omitempty"`
	Skill     string                 `json:"skill"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Status    TaskStatus             `json:"status"`
	History   []Message              `json:"history,omitempty"`
	Artifacts []Artifact             `json:"artifacts,omitempty"`
}

// Timestamp formats |t| for TaskStatus.Timestamp.
func Timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }
