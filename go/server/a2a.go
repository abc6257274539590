package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/attestry/proofgate/go/agent"
	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/skills"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// JSON-RPC 2.0 error codes used by the A2A surface.
const (
	codeInvalidRequest    = -32600
	codeMethodNotFound    = -32601
	codeInvalidParams     = -32602
	codeInternalError     = -32603
	codeTaskNotFound      = -32001
	codeInvalidTransition = -32002
)

// sendTimeout caps how long message/send blocks before returning the
// current task snapshot.
const sendTimeout = 120 * time.Second

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

func rpcOK(id, result interface{}) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcFail(id interface{}, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

// rpcFromFault translates a fault kind to a JSON-RPC error.
func rpcFromFault(id interface{}, err error) rpcResponse {
	var message = "internal error"
	var f *fault.Error
	if errors.As(err, &f) {
		message = f.Message
	}
	switch fault.KindOf(err) {
	case fault.InvalidArgument, fault.NotRoutable:
		return rpcFail(id, codeInvalidParams, message)
	case fault.NotFound:
		return rpcFail(id, codeTaskNotFound, message)
	case fault.InvalidTransition:
		return rpcFail(id, codeInvalidTransition, message)
	}
	return rpcFail(id, codeInternalError, message)
}

// handleA2A is the JSON-RPC 2.0 dispatcher. Responses are always HTTP 200;
// only middleware answers other statuses.
func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcFail(nil, codeInvalidRequest, "malformed JSON-RPC request"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, http.StatusOK, rpcFail(req.ID, codeInvalidRequest, "malformed JSON-RPC request"))
		return
	}

	switch req.Method {
	case "message/send":
		s.handleMessageSend(w, r, req)
	case "message/stream":
		s.handleMessageStream(w, r, req)
	case "tasks/get":
		s.handleTasksGet(w, r, req)
	case "tasks/cancel":
		s.handleTasksCancel(w, r, req)
	case "tasks/resubscribe":
		s.handleTasksResubscribe(w, r, req)
	default:
		writeJSON(w, http.StatusOK, rpcFail(req.ID, codeMethodNotFound,
			"method not found: "+req.Method))
	}
}

type messageParams struct {
	Message agent.Message `json:"message"`
}

// createRoutedTask validates the message, resolves its skill, and creates
// the task record, returning the task and an optional early error response.
func (s *Server) createRoutedTask(ctx context.Context, req rpcRequest, verified *payment.Verified) (*agent.Task, *rpcResponse) {
	var params messageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		var resp = rpcFail(req.ID, codeInvalidParams, "invalid message/send params")
		return nil, &resp
	}
	var message = params.Message
	if message.Role == "" || len(message.Parts) == 0 {
		var resp = rpcFail(req.ID, codeInvalidParams, "message requires a role and at least one part")
		return nil, &resp
	}

	var contextID = message.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
		message.ContextID = contextID
	}

	resolution, err := s.router.Resolve(ctx, message)
	if err != nil {
		var resp = rpcFromFault(req.ID, err)
		return nil, &resp
	}
	if !skills.Known(resolution.Skill) {
		var resp = rpcFail(req.ID, codeInvalidParams, "unknown skill: "+resolution.Skill)
		return nil, &resp
	}
	resolution.OverrideRequestID(s.tasks.GetContextFlow(ctx, contextID))

	// A payment verified by the gate completes the session's payment leg
	// before the skill observes it.
	if verified != nil {
		if requestID, _ := resolution.Params["requestId"].(string); requestID != "" {
			if err = s.skills.AttachPayment(ctx, requestID, verified.TxHash); err != nil {
				log.WithFields(log.Fields{"request": requestID, "err": err}).
					Warn("attaching verified payment failed")
			}
		}
	}

	task, err := s.tasks.CreateTask(ctx, resolution.Skill, resolution.Params, message, contextID)
	if err != nil {
		var resp = rpcFromFault(req.ID, err)
		return nil, &resp
	}
	if verified != nil && verified.RecordID != "" {
		if err = s.gate.Records.BindTask(ctx, verified.RecordID, task.ID); err != nil {
			log.WithFields(log.Fields{"payment": verified.RecordID, "task": task.ID, "err": err}).
				Warn("binding payment to task failed")
		}
	}
	return task, nil
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var ctx = r.Context()
	var task, errResp = s.createRoutedTask(ctx, req, payment.FromContext(ctx))
	if errResp != nil {
		writeJSON(w, http.StatusOK, *errResp)
		return
	}

	// Subscribe before emitting submitted so this waiter observes the full
	// event sequence.
	var sub = s.bus.Subscribe(task.ID)
	defer sub.Close()
	s.emitSubmitted(task)

	s.dispatch(task)

	var deadline = time.NewTimer(sendTimeout)
	defer deadline.Stop()
	for {
		select {
		case event := <-sub.C():
			if event.Type == events.TaskComplete {
				writeJSON(w, http.StatusOK, rpcOK(req.ID, event.Task))
				return
			}
		case <-deadline.C:
			// The task keeps running; return its current snapshot.
			snapshot, err := s.tasks.GetTask(ctx, task.ID)
			if err != nil {
				writeJSON(w, http.StatusOK, rpcFromFault(req.ID, err))
				return
			}
			writeJSON(w, http.StatusOK, rpcOK(req.ID, snapshot))
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var ctx = r.Context()
	var task, errResp = s.createRoutedTask(ctx, req, payment.FromContext(ctx))
	if errResp != nil {
		writeJSON(w, http.StatusOK, *errResp)
		return
	}

	var sub = s.bus.Subscribe(task.ID)
	defer sub.Close()
	s.emitSubmitted(task)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusOK, rpcFromFault(req.ID, err))
		return
	}

	s.dispatch(task)
	s.streamTaskEvents(ctx, sse, sub)
}

// dispatch hands the task to its executor: short skills run inline in a
// goroutine, heavy skills wait for the worker's queue poll.
func (s *Server) dispatch(task *agent.Task) {
	if skills.Heavy(task.Skill) {
		return
	}
	go s.worker.Execute(context.Background(), task.ID)
}

// emitSubmitted publishes the initial submitted status so stream observers
// see a coherent task before any transition.
func (s *Server) emitSubmitted(task *agent.Task) {
	s.bus.Emit(events.Event{
		Type:   events.StatusUpdate,
		TaskID: task.ID,
		State:  agent.StateSubmitted,
	})
}

// streamTaskEvents forwards bus events as SSE until a final status or
// disconnect.
func (s *Server) streamTaskEvents(ctx context.Context, sse *sseWriter, sub *events.Subscription) {
	for {
		select {
		case event := <-sub.C():
			if err := sse.Event(string(event.Type), event); err != nil {
				return
			}
			if event.Type == events.StatusUpdate && event.Final {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

type tasksGetParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

func (s *Server) handleTasksGet(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params tasksGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		writeJSON(w, http.StatusOK, rpcFail(req.ID, codeInvalidParams, "tasks/get requires an id"))
		return
	}

	task, err := s.tasks.GetTask(r.Context(), params.ID)
	if err != nil {
		writeJSON(w, http.StatusOK, rpcFromFault(req.ID, err))
		return
	}
	if params.HistoryLength != nil && *params.HistoryLength >= 0 && len(task.History) > *params.HistoryLength {
		task.History = task.History[len(task.History)-*params.HistoryLength:]
	}
	writeJSON(w, http.StatusOK, rpcOK(req.ID, task))
}

func (s *Server) handleTasksCancel(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params tasksGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		writeJSON(w, http.StatusOK, rpcFail(req.ID, codeInvalidParams, "tasks/cancel requires an id"))
		return
	}

	// Cancellation affects queued and running work only; a running prover is
	// not interrupted.
	task, err := s.tasks.UpdateTaskStatus(r.Context(), params.ID, agent.StateCanceled, nil)
	if err != nil {
		writeJSON(w, http.StatusOK, rpcFromFault(req.ID, err))
		return
	}
	s.bus.Emit(events.Event{
		Type:   events.StatusUpdate,
		TaskID: task.ID,
		State:  agent.StateCanceled,
		Final:  true,
	})
	writeJSON(w, http.StatusOK, rpcOK(req.ID, task))
}

func (s *Server) handleTasksResubscribe(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params tasksGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		writeJSON(w, http.StatusOK, rpcFail(req.ID, codeInvalidParams, "tasks/resubscribe requires an id"))
		return
	}

	task, err := s.tasks.GetTask(r.Context(), params.ID)
	if err != nil {
		writeJSON(w, http.StatusOK, rpcFromFault(req.ID, err))
		return
	}
	if task.Status.State.IsTerminal() {
		writeJSON(w, http.StatusOK, rpcOK(req.ID, task))
		return
	}

	var sub = s.bus.Subscribe(task.ID)
	defer sub.Close()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusOK, rpcFromFault(req.ID, err))
		return
	}
	// Send the snapshot first so the client has current state, then follow
	// the live events.
	if err = sse.Event("task", task); err != nil {
		return
	}
	s.streamTaskEvents(r.Context(), sse, sub)
}
