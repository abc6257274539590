// Package worker runs the single background loop that services the task
// queue. One task executes at a time per process; proofs are CPU-bound and
// serializing them avoids contention with the prover toolchain.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/attestry/proofgate/go/agent"
	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/reputation"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/taskstore"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultPollInterval = 2 * time.Second

// Worker polls the submitted queue and dispatches tasks into the skill layer.
type Worker struct {
	tasks    *taskstore.Store
	skills   *skills.Skills
	bus      *events.Bus
	reporter reputation.Reporter
	interval time.Duration
}

// New builds a Worker. A non-positive |interval| selects the 2s default.
func New(tasks *taskstore.Store, sk *skills.Skills, bus *events.Bus, reporter reputation.Reporter, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if reporter == nil {
		reporter = reputation.Noop{}
	}
	return &Worker{tasks: tasks, skills: sk, bus: bus, reporter: reporter, interval: interval}
}

// Run polls until |ctx| is done. Each tick drains the queue one task at a
// time.
func (w *Worker) Run(ctx context.Context) error {
	var ticker = time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for w.RunOnce(ctx) {
			}
		}
	}
}

// RunOnce services at most one queued task, reporting whether it did any
// work.
func (w *Worker) RunOnce(ctx context.Context) bool {
	var id, err = w.tasks.Dequeue(ctx)
	if err != nil {
		if !fault.Is(err, fault.NotFound) {
			log.WithField("err", err).Warn("polling task queue failed")
		}
		return false
	}

	task, err := w.tasks.GetTask(ctx, id)
	if err != nil {
		log.WithFields(log.Fields{"task": id, "err": err}).
			Warn("dequeued task could not be loaded")
		return true
	}
	// Cancellation between enqueue and dequeue leaves a non-queued task in
	// the queue; skip it.
	if task.Status.State != agent.StateQueued {
		log.WithFields(log.Fields{"task": id, "state": task.Status.State}).
			Debug("skipping dequeued task not in queued state")
		return true
	}

	w.process(ctx, task)
	return true
}

// Execute runs the task at |id| immediately, bypassing the poll loop.
// Endpoints use this for short skills so callers are not held for a poll
// interval; the later dequeue of the same id is skipped as not-queued.
func (w *Worker) Execute(ctx context.Context, id string) {
	var task, err = w.tasks.GetTask(ctx, id)
	if err != nil {
		log.WithFields(log.Fields{"task": id, "err": err}).
			Warn("inline task could not be loaded")
		return
	}
	if task.Status.State != agent.StateQueued {
		return
	}
	w.process(ctx, task)
}

func (w *Worker) process(ctx context.Context, task *agent.Task) {
	var updated, err = w.tasks.UpdateTaskStatus(ctx, task.ID, agent.StateRunning, nil)
	if err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).
			Warn("marking task running failed")
		return
	}
	w.bus.Emit(events.Event{
		Type:   events.StatusUpdate,
		TaskID: task.ID,
		State:  agent.StateRunning,
	})

	result, skillErr := w.skills.Invoke(ctx, updated.Skill, updated.Params)
	if skillErr != nil {
		w.fail(ctx, updated, skillErr)
		return
	}
	w.complete(ctx, updated, result)
}

// complete attaches the result artifact and drives the task to completed.
func (w *Worker) complete(ctx context.Context, task *agent.Task, result skills.Result) {
	var artifact = agent.Artifact{
		ID:       uuid.NewString(),
		MimeType: "application/json",
		Parts: []agent.Part{
			agent.TextPart(skills.Summary(task.Skill, result)),
			agent.DataPart(result),
		},
	}
	if _, err := w.tasks.AddArtifact(ctx, task.ID, artifact); err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).
			Warn("attaching result artifact failed")
	}
	w.bus.Emit(events.Event{
		Type:      events.ArtifactUpdate,
		TaskID:    task.ID,
		Artifact:  &artifact,
		LastChunk: true,
	})

	var message = agent.AgentMessage(agent.TextPart(skills.Summary(task.Skill, result)))
	final, err := w.tasks.UpdateTaskStatus(ctx, task.ID, agent.StateCompleted, &message)
	if err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).
			Warn("marking task completed failed")
		return
	}

	// Bind the context to its signing request so later text-routed calls in
	// the same conversation resolve the right session.
	if task.Skill == skills.SkillRequestSigning && task.ContextID != "" {
		if requestID, ok := result["requestId"].(string); ok {
			if err = w.tasks.SetContextFlow(ctx, task.ContextID, requestID); err != nil {
				log.WithFields(log.Fields{"task": task.ID, "err": err}).
					Warn("binding context to signing request failed")
			}
		}
	}
	w.finish(task.ID, final)

	// Reputation is a fire-and-forget side effect of successful work.
	go w.reporter.ReportCompletion(context.WithoutCancel(ctx), task.ID, task.Skill)
}

// fail attaches an error artifact and drives the task to failed. The artifact
// message is concise and does not leak internals.
func (w *Worker) fail(ctx context.Context, task *agent.Task, skillErr error) {
	log.WithFields(log.Fields{
		"task":  task.ID,
		"skill": task.Skill,
		"kind":  fault.KindOf(skillErr),
		"err":   skillErr,
	}).Warn("task failed")

	var artifact = agent.Artifact{
		ID:       uuid.NewString(),
		MimeType: "application/json",
		Parts: []agent.Part{
			agent.TextPart(userFacing(skillErr)),
			agent.DataPart(map[string]interface{}{
				"error": userFacing(skillErr),
				"kind":  string(fault.KindOf(skillErr)),
			}),
		},
	}
	if _, err := w.tasks.AddArtifact(ctx, task.ID, artifact); err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).
			Warn("attaching error artifact failed")
	}
	w.bus.Emit(events.Event{
		Type:      events.ArtifactUpdate,
		TaskID:    task.ID,
		Artifact:  &artifact,
		LastChunk: true,
	})

	var message = agent.AgentMessage(agent.TextPart(userFacing(skillErr)))
	final, err := w.tasks.UpdateTaskStatus(ctx, task.ID, agent.StateFailed, &message)
	if err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).
			Warn("marking task failed failed")
		return
	}
	w.finish(task.ID, final)
}

// finish emits the terminal status and task-complete events.
func (w *Worker) finish(taskID string, task *agent.Task) {
	w.bus.Emit(events.Event{
		Type:    events.StatusUpdate,
		TaskID:  taskID,
		State:   task.Status.State,
		Message: task.Status.Message,
		Final:   true,
	})
	w.bus.Emit(events.Event{
		Type:   events.TaskComplete,
		TaskID: taskID,
		Task:   task,
	})
}

// userFacing renders a concise error message for artifacts, preferring the
// typed fault's message over raw wrapped detail.
func userFacing(err error) string {
	var f *fault.Error
	if errors.As(err, &f) {
		return f.Message
	}
	return "The requested operation failed."
}
