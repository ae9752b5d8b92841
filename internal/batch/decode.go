package batch

import (
	"encoding/json"
	"fmt"

	"github.com/openarch/mason/internal/canon"
)

// MaxOperations bounds the number of operations per batch.
const MaxOperations = 1000

// Batch is a decoded request: an ordered sequence of operations plus
// request-level policy.
type Batch struct {
	Changes           []Operation
	DuplicateStrategy DuplicateStrategy
	IdempotencyKey    string
	Granularity       Granularity

	// raw holds each change as decoded generic JSON, in request order.
	// Kept for payload fingerprinting: the fingerprint must cover what
	// the client sent, not our typed re-encoding of it.
	raw []any
}

// envelope is the wire shape of a batch submit request.
type envelope struct {
	Changes           []json.RawMessage `json:"changes"`
	DuplicateStrategy DuplicateStrategy `json:"duplicateStrategy,omitempty"`
	IdempotencyKey    string            `json:"idempotencyKey,omitempty"`
	Granularity       Granularity       `json:"granularity,omitempty"`
}

// opKindHeader extracts only the discriminator.
type opKindHeader struct {
	Op OpKind `json:"op"`
}

// Decode parses a batch request. Only structural JSON problems and
// unknown op kinds fail here; field-level validation belongs to the
// validator, which reports richer diagnostics.
func Decode(data []byte) (*Batch, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}

	b := &Batch{
		DuplicateStrategy: env.DuplicateStrategy,
		IdempotencyKey:    env.IdempotencyKey,
		Granularity:       env.Granularity,
		Changes:           make([]Operation, 0, len(env.Changes)),
		raw:               make([]any, 0, len(env.Changes)),
	}

	for i, rawOp := range env.Changes {
		var head opKindHeader
		if err := json.Unmarshal(rawOp, &head); err != nil {
			return nil, fmt.Errorf("decode batch: changes[%d]: %w", i, err)
		}
		op, err := decodeOp(head.Op, rawOp)
		if err != nil {
			return nil, fmt.Errorf("decode batch: changes[%d]: %w", i, err)
		}
		b.Changes = append(b.Changes, op)

		var generic any
		if err := json.Unmarshal(rawOp, &generic); err != nil {
			return nil, fmt.Errorf("decode batch: changes[%d]: %w", i, err)
		}
		b.raw = append(b.raw, generic)
	}
	return b, nil
}

func decodeOp(kind OpKind, data []byte) (Operation, error) {
	var op Operation
	switch kind {
	case KindCreateElement:
		op = &CreateElement{}
	case KindCreateRelationship:
		op = &CreateRelationship{}
	case KindCreateOrGetElement:
		op = &CreateOrGetElement{}
	case KindCreateOrGetRelationship:
		op = &CreateOrGetRelationship{}
	case KindUpdateElement:
		op = &UpdateElement{}
	case KindUpdateRelationship:
		op = &UpdateRelationship{}
	case KindDeleteElement:
		op = &DeleteElement{}
	case KindDeleteRelationship:
		op = &DeleteRelationship{}
	case KindSetProperty:
		op = &SetProperty{}
	case KindMoveToFolder:
		op = &MoveToFolder{}
	case KindCreateFolder:
		op = &CreateFolder{}
	case KindCreateView:
		op = &CreateView{}
	case KindDeleteView:
		op = &DeleteView{}
	case KindAddToView:
		op = &AddToView{}
	case KindAddConnectionToView:
		op = &AddConnectionToView{}
	case KindDeleteConnectionFromView:
		op = &DeleteConnectionFromView{}
	case KindNestInView:
		op = &NestInView{}
	case KindStyleViewObject:
		op = &StyleViewObject{}
	case KindStyleConnection:
		op = &StyleConnection{}
	case KindMoveViewObject:
		op = &MoveViewObject{}
	case KindCreateNote:
		op = &CreateNote{}
	case KindCreateGroup:
		op = &CreateGroup{}
	case "":
		return nil, fmt.Errorf("missing op discriminator")
	default:
		return nil, fmt.Errorf("unknown op kind %q", kind)
	}
	if err := json.Unmarshal(data, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Fingerprint computes the stable payload fingerprint for idempotent
// replay detection: canonical JSON over the raw changes and the
// effective duplicate strategy. The idempotency key itself is excluded
// (keys are compared, not fingerprinted); granularity is included since
// it changes failure semantics.
func (b *Batch) Fingerprint() (string, error) {
	strategy := b.DuplicateStrategy
	if strategy == "" {
		strategy = DupError
	}
	granularity := b.Granularity
	if granularity == "" {
		granularity = GranularityBatch
	}
	raw := b.raw
	if raw == nil {
		// Programmatically built batch: derive the generic form from the
		// typed operations.
		raw = make([]any, len(b.Changes))
		for i, op := range b.Changes {
			data, err := json.Marshal(op)
			if err != nil {
				return "", fmt.Errorf("fingerprint changes[%d]: %w", i, err)
			}
			var generic map[string]any
			if err := json.Unmarshal(data, &generic); err != nil {
				return "", fmt.Errorf("fingerprint changes[%d]: %w", i, err)
			}
			generic["op"] = string(op.OpKind())
			raw[i] = generic
		}
	}
	return canon.Fingerprint(map[string]any{
		"changes":           raw,
		"duplicateStrategy": string(strategy),
		"granularity":       string(granularity),
	})
}
