package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/skills"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// flowFallbackInterval is the auto-advance cadence backing the flow SSE
// subscription, in case a published transition was dropped.
const flowFallbackInterval = 5 * time.Second

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.skills.GetSupportedCircuits(r.URL.Query().Get("chainId")))
}

func (s *Server) handleRequestSigning(w http.ResponseWriter, r *http.Request) {
	var params skills.RequestSigningParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "malformed request body"})
		return
	}
	result, err := s.skills.RequestSigning(r.Context(), params)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSigningStatus(w http.ResponseWriter, r *http.Request) {
	var result, err = s.skills.CheckStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRequestPayment(w http.ResponseWriter, r *http.Request) {
	var result, err = s.skills.RequestPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type completeSigningBody struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// handleCompleteSigning is the sign-page callback carrying the wallet
// signature.
func (s *Server) handleCompleteSigning(w http.ResponseWriter, r *http.Request) {
	var body completeSigningBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "malformed request body"})
		return
	}
	result, err := s.skills.CompleteSigning(r.Context(), chi.URLParam(r, "id"), body.Address, body.Signature)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGenerateProof(w http.ResponseWriter, r *http.Request) {
	var params skills.GenerateProofParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "malformed request body"})
		return
	}

	// A payment verified by the gate settles the session before proving.
	if verified := payment.FromContext(r.Context()); verified != nil && params.RequestID != "" {
		if err := s.skills.AttachPayment(r.Context(), params.RequestID, verified.TxHash); err != nil {
			log.WithFields(log.Fields{"request": params.RequestID, "err": err}).
				Warn("attaching verified payment failed")
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()
	result, err := s.skills.GenerateProof(ctx, params)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	var params skills.VerifyProofParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "malformed request body"})
		return
	}
	result, err := s.skills.VerifyProof(r.Context(), params)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleVerifyStored re-verifies a stored proof by id, as linked from QR
// codes.
func (s *Server) handleVerifyStored(w http.ResponseWriter, r *http.Request) {
	var result, err = s.skills.VerifyStoredProof(r.Context(),
		chi.URLParam(r, "proofId"), r.URL.Query().Get("chainId"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var params skills.RequestSigningParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "malformed request body"})
		return
	}
	created, err := s.flows.CreateFlow(r.Context(), params)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	var f, err = s.flows.AdvanceFlow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleFlowEvents streams flow transitions: initial state as a phase event,
// then the pub/sub channel with a 5 second auto-advance fallback. Cleanup on
// disconnect closes the subscription and stops the fallback ticker.
func (s *Server) handleFlowEvents(w http.ResponseWriter, r *http.Request) {
	var ctx = r.Context()
	var flowID = chi.URLParam(r, "id")

	var current, err = s.flows.GetFlow(ctx, flowID)
	if err != nil {
		writeFault(w, err)
		return
	}

	sub, err := s.flows.Subscribe(ctx, flowID)
	if err != nil {
		writeFault(w, err)
		return
	}
	defer sub.Close()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeFault(w, err)
		return
	}

	if err = sse.Event("phase", current); err != nil {
		return
	}
	if current.Phase.Terminal() {
		_ = sse.Event("done", current)
		return
	}

	var ticker = time.NewTicker(flowFallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-sub.C():
			if !ok {
				return
			}
			if err = sse.Raw("phase", raw); err != nil {
				return
			}
			// Reload to decide termination; the published payload and the
			// store agree because transitions write before publishing.
			if current, err = s.flows.GetFlow(ctx, flowID); err == nil && current.Phase.Terminal() {
				_ = sse.Event("done", current)
				return
			}

		case <-ticker.C:
			advanced, err := s.flows.AdvanceFlow(ctx, flowID)
			if err != nil {
				log.WithFields(log.Fields{"flow": flowID, "err": err}).
					Warn("flow fallback advance failed")
				continue
			}
			if err = sse.Event("phase", advanced); err != nil {
				return
			}
			if advanced.Phase.Terminal() {
				_ = sse.Event("done", advanced)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
