package server

import (
	"encoding/json"
	"net/http"

	"github.com/attestry/proofgate/go/router"
	"github.com/attestry/proofgate/go/skills"
)

// mcpProtocolVersion is the StreamableHTTP protocol revision we speak.
const mcpProtocolVersion = "2024-11-05"

type mcpTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func mcpToolCatalog() []mcpTool {
	var tools = make([]mcpTool, 0, len(skills.Names))
	for _, name := range skills.Names {
		tools = append(tools, mcpTool{
			Name:        name,
			Description: router.ToolDescription(name),
			InputSchema: router.ParameterSchema(name),
		})
	}
	return tools
}

// handleMCP is the stateless StreamableHTTP dispatcher: initialize,
// tools/list, and tools/call, each on a fresh logical server. MCP calls are
// synchronous; they never enter the task queue.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcFail(nil, codeInvalidRequest, "malformed MCP request"))
		return
	}

	switch req.Method {
	case "initialize":
		writeJSON(w, http.StatusOK, rpcOK(req.ID, map[string]interface{}{
			"protocolVersion": mcpProtocolVersion,
			"serverInfo": map[string]interface{}{
				"name":    s.cfg.AgentName,
				"version": s.cfg.AgentVersion,
			},
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
		}))

	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)

	case "tools/list":
		writeJSON(w, http.StatusOK, rpcOK(req.ID, map[string]interface{}{
			"tools": mcpToolCatalog(),
		}))

	case "tools/call":
		s.handleMCPToolCall(w, r, req)

	default:
		writeJSON(w, http.StatusOK, rpcFail(req.ID, codeMethodNotFound,
			"method not found: "+req.Method))
	}
}

type mcpCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleMCPToolCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params mcpCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		writeJSON(w, http.StatusOK, rpcFail(req.ID, codeInvalidParams, "tools/call requires a tool name"))
		return
	}
	if !skills.Known(params.Name) {
		writeJSON(w, http.StatusOK, rpcFail(req.ID, codeInvalidParams, "unknown tool: "+params.Name))
		return
	}

	result, err := s.skills.Invoke(r.Context(), params.Name, params.Arguments)
	if err != nil {
		// Tool-level failures are results with isError, per MCP semantics.
		writeJSON(w, http.StatusOK, rpcOK(req.ID, map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": err.Error()},
			},
			"isError": true,
		}))
		return
	}

	var raw, _ = json.Marshal(result)
	writeJSON(w, http.StatusOK, rpcOK(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(raw)},
		},
	}))
}
