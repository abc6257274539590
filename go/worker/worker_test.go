package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/attestry/proofgate/go/agent"
	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/session"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/taskstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	worker *Worker
	tasks  *taskstore.Store
	bus    *events.Bus
}

func newFixture(t *testing.T) *fixture {
	var mr = miniredis.RunT(t)
	var store = kv.NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	var tasks = taskstore.NewStore(store)
	var bus = events.NewBus()

	var sk = skills.New(skills.Deps{
		Sessions:    session.NewStore(store, time.Minute),
		Proofs:      skills.NewProofStore(store),
		SignPageURL: "https://sign.example",
		BaseURL:     "https://gw.example",
		PaymentMode: payment.ModeDisabled,
	})
	return &fixture{
		worker: New(tasks, sk, bus, nil, time.Second),
		tasks:  tasks,
		bus:    bus,
	}
}

func userMessage(skill string, params map[string]interface{}) agent.Message {
	var data = map[string]interface{}{"skill": skill}
	for k, v := range params {
		data[k] = v
	}
	return agent.Message{Role: agent.RoleUser, Parts: []agent.Part{agent.DataPart(data)}}
}

func TestRunOnceCompletesTask(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()

	task, err := f.tasks.CreateTask(ctx, skills.SkillGetSupportedCircuits,
		map[string]interface{}{"chainId": "84532"},
		userMessage(skills.SkillGetSupportedCircuits, nil), "")
	require.NoError(t, err)

	var sub = f.bus.Subscribe(task.ID)
	defer sub.Close()

	require.True(t, f.worker.RunOnce(ctx))

	final, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, agent.StateCompleted, final.Status.State)
	require.Len(t, final.Artifacts, 1)
	require.Equal(t, agent.PartText, final.Artifacts[0].Parts[0].Kind)
	require.Equal(t, agent.PartData, final.Artifacts[0].Parts[1].Kind)
	require.Equal(t, "84532", final.Artifacts[0].Parts[1].Data["chainId"])

	// running, artifact, final status, task-complete, in order.
	var types []events.Type
	var sawFinal bool
	for len(types) < 4 {
		select {
		case event := <-sub.C():
			types = append(types, event.Type)
			if event.Type == events.StatusUpdate && event.Final {
				sawFinal = true
				require.Equal(t, agent.StateCompleted, event.State)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out after events %v", types)
		}
	}
	require.Equal(t, []events.Type{
		events.StatusUpdate, events.ArtifactUpdate,
		events.StatusUpdate, events.TaskComplete,
	}, types)
	require.True(t, sawFinal)
}

func TestRunOnceFailsTaskWithErrorArtifact(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()

	// check_status on a missing request fails with NotFound.
	task, err := f.tasks.CreateTask(ctx, skills.SkillCheckStatus,
		map[string]interface{}{"requestId": "missing"},
		userMessage(skills.SkillCheckStatus, nil), "")
	require.NoError(t, err)

	require.True(t, f.worker.RunOnce(ctx))

	final, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, agent.StateFailed, final.Status.State)
	require.Len(t, final.Artifacts, 1)
	require.Contains(t, final.Artifacts[0].Parts[0].Text, "not found")
	require.Equal(t, "NotFound", final.Artifacts[0].Parts[1].Data["kind"])
}

func TestRunOnceSkipsCanceledTask(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()

	task, err := f.tasks.CreateTask(ctx, skills.SkillGetSupportedCircuits, nil,
		userMessage(skills.SkillGetSupportedCircuits, nil), "")
	require.NoError(t, err)
	_, err = f.tasks.UpdateTaskStatus(ctx, task.ID, agent.StateCanceled, nil)
	require.NoError(t, err)

	require.True(t, f.worker.RunOnce(ctx))

	final, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, agent.StateCanceled, final.Status.State)
	require.Empty(t, final.Artifacts)
}

func TestRunOnceIdlesOnEmptyQueue(t *testing.T) {
	var f = newFixture(t)
	require.False(t, f.worker.RunOnce(context.Background()))
}
