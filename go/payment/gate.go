package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// FreeSkills do not require payment on any surface.
var FreeSkills = map[string]bool{
	"get_supported_circuits": true,
	"verify_proof":           true,
	"check_status":           true,
	"request_signing":        true,
	"request_payment":        true,
}

// Verified describes a payment accepted by the facilitator for the current
// request. Handlers read it from the request context to attach the
// settlement transaction to session records and task params.
type Verified struct {
	RecordID string
	Payer    string
	TxHash   string
	Network  string
	Amount   string
}

type contextKey struct{}

// FromContext returns the verified payment attached to |ctx|, if any.
func FromContext(ctx context.Context) *Verified {
	var v, _ = ctx.Value(contextKey{}).(*Verified)
	return v
}

// Gate is the per-route payment middleware. Each surface gets its own wrap
// because the paid operation is recognized differently on each: the A2A and
// MCP gates bypass recognized free skills, the REST gate is bound to the
// proofs route only, and the chat gate verifies only when a header is
// already present.
type Gate struct {
	Mode        Mode
	Requirement Requirement
	Facilitator Facilitator
	Records     *Records

	// BaseURL is the public base prefixed onto the request path to name the
	// paid resource in 402 challenges.
	BaseURL string
}

// A2A gates message/send and message/stream, bypassing free skills named in
// the first data part.
func (g *Gate) A2A(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Mode.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		var req = snoopJSON(r)
		if req == nil {
			next.ServeHTTP(w, r)
			return
		}
		var method, _ = req["method"].(string)
		if method != "message/send" && method != "message/stream" {
			next.ServeHTTP(w, r)
			return
		}
		if skill := a2aSkillOf(req); FreeSkills[skill] {
			next.ServeHTTP(w, r)
			return
		}
		g.require(w, r, next)
	})
}

// MCP gates tools/call, bypassing free tools.
func (g *Gate) MCP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Mode.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		var req = snoopJSON(r)
		if req == nil {
			next.ServeHTTP(w, r)
			return
		}
		if method, _ := req["method"].(string); method != "tools/call" {
			next.ServeHTTP(w, r)
			return
		}
		if params, ok := req["params"].(map[string]interface{}); ok {
			if name, _ := params["name"].(string); FreeSkills[name] {
				next.ServeHTTP(w, r)
				return
			}
		}
		g.require(w, r, next)
	})
}

// REST gates unconditionally; it is mounted only on the paid proofs route.
func (g *Gate) REST(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Mode.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		g.require(w, r, next)
	})
}

// Chat verifies only when a payment header is present; without one, the
// skill layer raises PaymentRequired and the endpoint converts it to a 402.
func (g *Gate) Chat(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Mode.Enabled() || paymentHeader(r) == "" {
			next.ServeHTTP(w, r)
			return
		}
		g.require(w, r, next)
	})
}

// require verifies and settles the request's payment, records it, and
// forwards to |next| with the verification in context. Missing or rejected
// payments answer 402 with the machine-readable challenge.
func (g *Gate) require(w http.ResponseWriter, r *http.Request, next http.Handler) {
	var encoded = paymentHeader(r)
	if encoded == "" {
		g.challenge(w, r, "payment required")
		return
	}

	var payload, err = DecodePayload(encoded)
	if err != nil {
		log.WithField("err", err).Debug("rejecting malformed payment header")
		g.challenge(w, r, "invalid payment payload")
		return
	}
	if chainID, ok := NetworkChainID(g.Requirement.Network); ok {
		if _, err = RecoverPayer(payload, chainID); err != nil {
			log.WithField("err", err).Info("payment signature rejected")
			g.challenge(w, r, "invalid payment signature")
			return
		}
	}

	result, err := g.Facilitator.Settle(r.Context(), payload, g.Requirement)
	if err != nil {
		log.WithField("err", err).Warn("facilitator settle failed")
		g.challenge(w, r, "payment settlement unavailable")
		return
	}
	if !result.Success {
		log.WithField("reason", result.ErrorMessage).Info("payment declined")
		g.challenge(w, r, result.ErrorMessage)
		return
	}

	record, err := g.Records.Create(r.Context(), "",
		payload.Payload.Authorization.From, g.Requirement.Amount,
		g.Requirement.Network, result.Transaction)
	if err != nil {
		// The payment settled; losing the record is reconciled later by the
		// settlement worker finding nothing to do. Serve the request.
		log.WithField("err", err).Error("recording payment failed")
	}

	var verified = &Verified{
		Payer:   payload.Payload.Authorization.From,
		TxHash:  result.Transaction,
		Network: g.Requirement.Network,
		Amount:  g.Requirement.Amount,
	}
	if record != nil {
		verified.RecordID = record.ID
	}
	next.ServeHTTP(w, r.WithContext(
		context.WithValue(r.Context(), contextKey{}, verified)))
}

// ChallengeFor builds the machine-readable challenge for |url|. Endpoints
// that surface their own 402s (the chat surface) use this to stay consistent
// with the middleware's header.
func (g *Gate) ChallengeFor(url string) Challenge {
	return NewChallenge(g.Requirement, url, "Zero-knowledge proof generation")
}

// resourceURL names the paid resource for the route being gated.
func (g *Gate) resourceURL(r *http.Request) string {
	return strings.TrimSuffix(g.BaseURL, "/") + r.URL.Path
}

func (g *Gate) challenge(w http.ResponseWriter, r *http.Request, reason string) {
	var challenge = g.ChallengeFor(g.resourceURL(r))
	w.Header().Set(HeaderPaymentRequired, challenge.HeaderValue())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "payment required",
		"reason":    reason,
		"challenge": challenge,
	})
}

func paymentHeader(r *http.Request) string {
	if v := r.Header.Get(HeaderPaymentSignature); v != "" {
		return v
	}
	return r.Header.Get(HeaderXPayment)
}

// snoopJSON reads the request body, restores it for the next handler, and
// returns it decoded as a JSON object (nil when it is not one).
func snoopJSON(r *http.Request) map[string]interface{} {
	var body, err = io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var decoded map[string]interface{}
	if err = json.Unmarshal(body, &decoded); err != nil {
		return nil
	}
	return decoded
}

// a2aSkillOf digs the skill named by the first data part of a message/send
// or message/stream request, or "".
func a2aSkillOf(req map[string]interface{}) string {
	params, ok := req["params"].(map[string]interface{})
	if !ok {
		return ""
	}
	message, ok := params["message"].(map[string]interface{})
	if !ok {
		return ""
	}
	parts, ok := message["parts"].([]interface{})
	if !ok {
		return ""
	}
	for _, raw := range parts {
		part, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if kind, _ := part["kind"].(string); kind != "data" {
			continue
		}
		if data, ok := part["data"].(map[string]interface{}); ok {
			var skill, _ = data["skill"].(string)
			return skill
		}
	}
	return ""
}
