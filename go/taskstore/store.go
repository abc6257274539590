// Package taskstore persists task records in the shared kv store and feeds
// the submitted queue consumed by the task worker. Every mutation is a
// read-modify-write of the task's serialized blob under its key; the worker
// achieves single-consumer semantics by being the sole puller of the queue.
package taskstore

import (
	"context"
	"fmt"
	"time"

	"github.com/attestry/proofgate/go/agent"
	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/kv"
	"github.com/google/uuid"
)

const (
	taskKeyPrefix = "a2a:task:"
	queueKey      = "a2a:queue:submitted"
	ctxKeyPrefix  = "a2a:ctx:"

	// Task and context records are retained for 24h.
	recordTTL = 24 * time.Hour
)

// Store reads and writes task records.
type Store struct {
	kv kv.Store
}

// NewStore builds a Store over |store|.
func NewStore(store kv.Store) *Store { return &Store{kv: store} }

// CreateTask allocates a new task for |skill|, appends |userMessage| to its
// history, advances it submitted -> queued, persists it, and pushes its id
// onto the submitted queue.
func (s *Store) CreateTask(ctx context.Context, skill string, params map[string]interface{}, userMessage agent.Message, contextID string) (*agent.Task, error) {
	var task = &agent.Task{
		ID:        uuid.NewString(),
		ContextID: contextID,
		Skill:     skill,
		Params:    params,
		Status: agent.TaskStatus{
			State:     agent.StateQueued,
			Timestamp: agent.Timestamp(time.Now()),
		},
		History: []agent.Message{userMessage},
	}
	if err := s.write(ctx, task); err != nil {
		return nil, err
	}
	if err := s.kv.RPush(ctx, queueKey, task.ID); err != nil {
		return nil, fmt.Errorf("enqueueing task %s: %w", task.ID, err)
	}
	return task, nil
}

// GetTask loads the task at |id|.
func (s *Store) GetTask(ctx context.Context, id string) (*agent.Task, error) {
	var task agent.Task
	if err := kv.GetJSON(ctx, s.kv, taskKeyPrefix+id, &task); err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil, fault.New(fault.NotFound, "task %s not found", id)
		}
		return nil, err
	}
	return &task, nil
}

// UpdateTaskStatus transitions the task at |id| to |state|, enforcing the
// transition table, and optionally records |message| on the status and in
// the history.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, state agent.State, message *agent.Message) (*agent.Task, error) {
	var task, err = s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !agent.CanTransition(task.Status.State, state) {
		return nil, fault.New(fault.InvalidTransition,
			"Invalid status transition: %s -> %s", task.Status.State, state)
	}
	task.Status = agent.TaskStatus{
		State:     state,
		Message:   message,
		Timestamp: agent.Timestamp(time.Now()),
	}
	if message != nil {
		task.History = append(task.History, *message)
	}
	if err = s.write(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// AddArtifact appends |artifact| to the task at |id|.
func (s *Store) AddArtifact(ctx context.Context, id string, artifact agent.Artifact) (*agent.Task, error) {
	var task, err = s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Artifacts = append(task.Artifacts, artifact)
	if err = s.write(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// AppendHistory appends |message| to the task's history.
func (s *Store) AppendHistory(ctx context.Context, id string, message agent.Message) (*agent.Task, error) {
	var task, err = s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.History = append(task.History, message)
	if err = s.write(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Dequeue pops the next submitted task id, or a NotFound fault when the
// queue is empty. Queue pops are atomic, so multi-process deployments
// coexist on one queue.
func (s *Store) Dequeue(ctx context.Context) (string, error) {
	return s.kv.LPop(ctx, queueKey)
}

// SetContextFlow records the context -> proof-request reverse index used to
// override hallucinated request ids on text-routed skill calls.
func (s *Store) SetContextFlow(ctx context.Context, contextID, requestID string) error {
	return s.kv.Set(ctx, ctxKeyPrefix+contextID, requestID, recordTTL)
}

// GetContextFlow returns the request id bound to |contextID|, or "".
func (s *Store) GetContextFlow(ctx context.Context, contextID string) string {
	var requestID, err = s.kv.Get(ctx, ctxKeyPrefix+contextID)
	if err != nil {
		return ""
	}
	return requestID
}

func (s *Store) write(ctx context.Context, task *agent.Task) error {
	if err := kv.SetJSON(ctx, s.kv, taskKeyPrefix+task.ID, task, recordTTL); err != nil {
		return fmt.Errorf("writing task %s: %w", task.ID, err)
	}
	return nil
}
