package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload schemas for the envelope shapes this build writes. Validation is a
// boundary check before append: a malformed repair or transition payload must
// never be sealed into the ledger. Unknown (domain, event) pairs pass through
// unvalidated to preserve forward compatibility.
var payloadSchemaSources = map[string]string{
	DomainCaseLifecycle + "/" + EventTransition: `{
		"type": "object",
		"required": ["from", "to"],
		"properties": {
			"from": {"type": "string", "minLength": 1},
			"to":   {"type": "string", "minLength": 1}
		}
	}`,
	DomainReconcile + "/" + EventRepair: `{
		"type": "object",
		"required": ["from", "to"],
		"properties": {
			"from": {"type": "string", "minLength": 1},
			"to":   {"type": "string", "minLength": 1}
		}
	}`,
	DomainDisbursement + "/" + string(EventDisbursementAuth): `{
		"type": "object",
		"required": ["disbursementId", "amount", "currency"],
		"properties": {
			"disbursementId": {"type": "string", "minLength": 1},
			"amount":         {"type": "integer", "minimum": 0},
			"currency":       {"type": "string", "minLength": 3, "maxLength": 3}
		}
	}`,
}

var payloadSchemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(payloadSchemaSources))
	for key, src := range payloadSchemaSources {
		c := jsonschema.NewCompiler()
		url := "mem://" + key + ".json"
		if err := c.AddResource(url, bytes.NewReader([]byte(src))); err != nil {
			panic(fmt.Sprintf("ledger: schema resource %s: %v", key, err))
		}
		out[key] = c.MustCompile(url)
	}
	return out
}

// validatePayload checks the envelope data against the registered schema for
// its (domain, event) pair, if any.
func validatePayload(e Envelope) error {
	schema, ok := payloadSchemas[e.Domain+"/"+e.Event]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(e.Data, &doc); err != nil {
		return fmt.Errorf("envelope data is not JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("envelope data rejected by schema: %w", err)
	}
	return nil
}
