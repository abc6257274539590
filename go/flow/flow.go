// Package flow chains the signing, payment, and proving skills into one
// coherent state machine exposed to flow-oriented clients. Phase transitions
// are written to the kv store before being published, so an observer that
// reads after seeing an event never sees a phase older than the event.
package flow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/session"
	"github.com/attestry/proofgate/go/skills"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Phase is the flow's coarse state.
type Phase string

const (
	PhaseSigning    Phase = "signing"
	PhasePayment    Phase = "payment"
	PhaseGenerating Phase = "generating"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseExpired    Phase = "expired"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseExpired
}

// Flow is one end-to-end proof journey.
type Flow struct {
	FlowID      string                      `json:"flowId"`
	Params      skills.RequestSigningParams `json:"params"`
	Phase       Phase                       `json:"phase"`
	RequestID   string                      `json:"requestId"`
	SigningURL  string                      `json:"signingUrl"`
	PaymentURL  string                      `json:"paymentUrl,omitempty"`
	ProofResult skills.Result               `json:"proofResult,omitempty"`
	Error       string                      `json:"error,omitempty"`
	CreatedAt   time.Time                   `json:"createdAt"`
	UpdatedAt   time.Time                   `json:"updatedAt"`
}

const (
	flowKeyPrefix    = "flow:"
	flowReqKeyPrefix = "flow:req:"
	flowTTL          = 5 * time.Minute
)

// EventsChannel names the pub/sub channel carrying |flowId|'s transitions.
func EventsChannel(flowID string) string { return "flow:events:" + flowID }

// Orchestrator drives flows over the skill layer.
type Orchestrator struct {
	kv     kv.Store
	skills *skills.Skills
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(store kv.Store, sk *skills.Skills) *Orchestrator {
	return &Orchestrator{kv: store, skills: sk}
}

// CreateFlow allocates a signing session and binds a new flow to it.
func (o *Orchestrator) CreateFlow(ctx context.Context, params skills.RequestSigningParams) (*Flow, error) {
	var signing, err = o.skills.RequestSigning(ctx, params)
	if err != nil {
		return nil, err
	}

	var now = time.Now().UTC()
	var f = &Flow{
		FlowID:     uuid.NewString(),
		Params:     params,
		Phase:      PhaseSigning,
		RequestID:  signing["requestId"].(string),
		SigningURL: signing["signingUrl"].(string),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err = o.publish(ctx, f); err != nil {
		return nil, err
	}
	if err = o.kv.Set(ctx, flowReqKeyPrefix+f.RequestID, f.FlowID, flowTTL); err != nil {
		return nil, err
	}
	return f, nil
}

// GetFlow loads the flow at |flowId|.
func (o *Orchestrator) GetFlow(ctx context.Context, flowID string) (*Flow, error) {
	var f Flow
	if err := kv.GetJSON(ctx, o.kv, flowKeyPrefix+flowID, &f); err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil, fault.New(fault.NotFound, "flow %s not found", flowID)
		}
		return nil, err
	}
	return &f, nil
}

// FlowForRequest resolves the flow bound to |requestId|, if any.
func (o *Orchestrator) FlowForRequest(ctx context.Context, requestID string) (*Flow, error) {
	var flowID, err = o.kv.Get(ctx, flowReqKeyPrefix+requestID)
	if err != nil {
		return nil, err
	}
	return o.GetFlow(ctx, flowID)
}

// AdvanceFlow moves the flow forward by one observation of its session.
// Idempotent and re-entrant: advancing a terminal flow returns it unchanged,
// and advancing N times between two external events equals advancing once.
func (o *Orchestrator) AdvanceFlow(ctx context.Context, flowID string) (*Flow, error) {
	var f, err = o.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if f.Phase.Terminal() {
		return f, nil
	}

	status, err := o.skills.CheckStatus(ctx, f.RequestID)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			// In generating the session is already consumed by the prover;
			// its absence is expected there, and a concurrent advance must
			// not disturb the in-flight proof. From earlier phases a missing
			// session means the TTL lapsed and the flow cannot complete.
			if f.Phase == PhaseGenerating {
				return f, nil
			}
			return o.terminate(ctx, f, PhaseExpired, "signing session expired")
		}
		return nil, err
	}

	switch session.Phase(status["phase"].(string)) {
	case session.PhaseExpired:
		return o.terminate(ctx, f, PhaseExpired, "signing window expired")

	case session.PhaseSigning:
		return f, nil

	case session.PhasePayment:
		if f.Phase != PhaseSigning {
			return f, nil
		}
		payment, err := o.skills.RequestPayment(ctx, f.RequestID)
		if err != nil {
			return nil, err
		}
		f.Phase = PhasePayment
		f.PaymentURL = payment["paymentUrl"].(string)
		if err = o.publish(ctx, f); err != nil {
			return nil, err
		}
		return f, nil

	case session.PhaseReady:
		if f.Phase == PhaseGenerating || f.Phase == PhaseCompleted {
			return f, nil
		}
		// Publish generating before proving so concurrent readers see the
		// correct phase for the duration of the (slow) prover call.
		f.Phase = PhaseGenerating
		if err = o.publish(ctx, f); err != nil {
			return nil, err
		}

		result, err := o.skills.GenerateProof(ctx, skills.GenerateProofParams{RequestID: f.RequestID})
		if err != nil {
			log.WithFields(log.Fields{"flow": f.FlowID, "err": err}).
				Warn("flow proof generation failed")
			return o.terminate(ctx, f, PhaseFailed, err.Error())
		}
		f.Phase = PhaseCompleted
		f.ProofResult = result
		if err = o.publish(ctx, f); err != nil {
			return nil, err
		}
		return f, nil
	}
	return f, nil
}

func (o *Orchestrator) terminate(ctx context.Context, f *Flow, phase Phase, message string) (*Flow, error) {
	f.Phase = phase
	if phase != PhaseCompleted {
		f.Error = message
	}
	if err := o.publish(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// publish persists the flow, then emits it on the flow's event channel.
// Store-before-publish is the ordering contract SSE consumers rely on.
func (o *Orchestrator) publish(ctx context.Context, f *Flow) error {
	f.UpdatedAt = time.Now().UTC()
	if err := kv.SetJSON(ctx, o.kv, flowKeyPrefix+f.FlowID, f, flowTTL); err != nil {
		return err
	}
	var raw, err = json.Marshal(f)
	if err != nil {
		return err
	}
	if err = o.kv.Publish(ctx, EventsChannel(f.FlowID), string(raw)); err != nil {
		// Subscribers fall back to polling; a dropped publish is tolerable.
		log.WithFields(log.Fields{"flow": f.FlowID, "err": err}).
			Warn("publishing flow event failed")
	}
	return nil
}

// Subscribe attaches to the flow's transition channel.
func (o *Orchestrator) Subscribe(ctx context.Context, flowID string) (kv.Subscription, error) {
	return o.kv.Subscribe(ctx, EventsChannel(flowID))
}
