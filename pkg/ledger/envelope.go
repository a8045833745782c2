package ledger

import "encoding/json"

// EnvelopeVersion1 is the only version this build writes. Future versions
// must be additive; replay preserves unrecognized versions opaquely.
const EnvelopeVersion1 = 1

// Envelope is the versioned wrapper around every ledger payload. It lets the
// payload schema evolve without a ledger migration.
type Envelope struct {
	EnvelopeVersion int             `json:"envelopeVersion"`
	Domain          string          `json:"domain"`
	Event           string          `json:"event"`
	Data            json.RawMessage `json:"data"`
}

// Envelope domains and events written by the core.
const (
	DomainCaseLifecycle = "CASE_LIFECYCLE"
	DomainRouting       = "ROUTING"
	DomainExecution     = "EXECUTION"
	DomainVerification  = "VERIFICATION"
	DomainDisbursement  = "DISBURSEMENT"
	DomainReconcile     = "RECONCILIATION"

	EventTransition = "TRANSITION"
	EventRepair     = "REPAIR"
)

// NewEnvelope wraps already-encoded data as a v1 envelope.
func NewEnvelope(domain, event string, data json.RawMessage) Envelope {
	return Envelope{
		EnvelopeVersion: EnvelopeVersion1,
		Domain:          domain,
		Event:           event,
		Data:            data,
	}
}

// IsV1 is the type guard used during replay: it identifies payloads this
// build understands. Anything else is carried through untouched.
func IsV1(e Envelope) bool {
	return e.EnvelopeVersion == EnvelopeVersion1 && e.Domain != "" && e.Event != ""
}

// ParseEnvelope decodes a stored payload. Unknown versions round-trip: the
// raw form is retained in Data when the guard rejects the envelope shape.
func ParseEnvelope(raw []byte) (Envelope, bool) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{Data: append(json.RawMessage{}, raw...)}, false
	}
	return e, IsV1(e)
}
