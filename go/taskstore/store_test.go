package taskstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/attestry/proofgate/go/agent"
	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/kv"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	var mr = miniredis.RunT(t)
	return NewStore(kv.NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})))
}

func userMessage(text string) agent.Message {
	return agent.Message{Role: agent.RoleUser, Parts: []agent.Part{agent.TextPart(text)}}
}

func TestCreateTaskEnqueues(t *testing.T) {
	var store = newTestStore(t)
	var ctx = context.Background()

	task, err := store.CreateTask(ctx, "get_supported_circuits",
		map[string]interface{}{"chainId": "84532"}, userMessage("list circuits"), "ctx-1")
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	require.Equal(t, agent.StateQueued, task.Status.State)
	require.Len(t, task.History, 1)

	id, err := store.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, task.ID, id)

	_, err = store.Dequeue(ctx)
	require.True(t, fault.Is(err, fault.NotFound))
}

func TestGetMissingTask(t *testing.T) {
	var store = newTestStore(t)
	var _, err = store.GetTask(context.Background(), "nope")
	require.True(t, fault.Is(err, fault.NotFound))
}

func TestStatusTransitions(t *testing.T) {
	var store = newTestStore(t)
	var ctx = context.Background()

	task, err := store.CreateTask(ctx, "generate_proof", nil, userMessage("prove"), "")
	require.NoError(t, err)

	task, err = store.UpdateTaskStatus(ctx, task.ID, agent.StateRunning, nil)
	require.NoError(t, err)
	require.Equal(t, agent.StateRunning, task.Status.State)

	task, err = store.UpdateTaskStatus(ctx, task.ID, agent.StateCompleted, nil)
	require.NoError(t, err)
	require.Equal(t, agent.StateCompleted, task.Status.State)

	// Terminal tasks admit no further transitions.
	_, err = store.UpdateTaskStatus(ctx, task.ID, agent.StateCanceled, nil)
	require.True(t, fault.Is(err, fault.InvalidTransition))
	require.Contains(t, err.Error(), "Invalid status transition")
}

func TestHistoryIsAppendOnly(t *testing.T) {
	var store = newTestStore(t)
	var ctx = context.Background()

	task, err := store.CreateTask(ctx, "check_status", nil, userMessage("status?"), "")
	require.NoError(t, err)

	var reply = agent.AgentMessage(agent.TextPart("working on it"))
	_, err = store.UpdateTaskStatus(ctx, task.ID, agent.StateRunning, &reply)
	require.NoError(t, err)

	_, err = store.AppendHistory(ctx, task.ID, userMessage("still there?"))
	require.NoError(t, err)

	task, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, task.History, 3)
	require.Equal(t, "status?", task.History[0].TextContent())
	require.Equal(t, "still there?", task.History[2].TextContent())
}

func TestArtifactsAppend(t *testing.T) {
	var store = newTestStore(t)
	var ctx = context.Background()

	task, err := store.CreateTask(ctx, "generate_proof", nil, userMessage("prove"), "")
	require.NoError(t, err)

	_, err = store.AddArtifact(ctx, task.ID, agent.Artifact{
		ID:    "a1",
		Parts: []agent.Part{agent.TextPart("Proof generated.")},
	})
	require.NoError(t, err)
	_, err = store.AddArtifact(ctx, task.ID, agent.Artifact{
		ID:    "a2",
		Parts: []agent.Part{agent.DataPart(map[string]interface{}{"proof": "0xabc"})},
	})
	require.NoError(t, err)

	task, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, task.Artifacts, 2)
	require.Equal(t, "a1", task.Artifacts[0].ID)
}

func TestContextFlowIndex(t *testing.T) {
	var store = newTestStore(t)
	var ctx = context.Background()

	require.Equal(t, "", store.GetContextFlow(ctx, "ctx-9"))
	require.NoError(t, store.SetContextFlow(ctx, "ctx-9", "req-1"))
	require.Equal(t, "req-1", store.GetContextFlow(ctx, "ctx-9"))
}
