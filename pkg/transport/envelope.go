package transport

import (
	"encoding/json"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"google.golang.org/protobuf/types/known/structpb"
)

// EnvelopeVersion is bumped whenever the envelope shape itself changes,
// not when a payload Kind's schema changes.
const EnvelopeVersion = 1

// Envelope is the generic message every transport stream carries.
// Payload is decoded into a business type by the caller, keyed by Kind.
type Envelope struct {
	Version       int32
	Kind          string
	CorrelationID string
	Payload       any
}

// NewEnvelope builds an envelope carrying payload, tagged with kind and
// correlationID (typically a uuid the caller generates per request).
func NewEnvelope(kind, correlationID string, payload any) *Envelope {
	return &Envelope{
		Version:       EnvelopeVersion,
		Kind:          kind,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// ToProto marshals the envelope into the structpb.Struct that actually
// goes on the wire. Payload is round-tripped through JSON so any
// JSON-serializable Go type can be carried without a dedicated proto
// message.
func (e *Envelope) ToProto() (*structpb.Struct, error) {
	payloadStruct, err := toStruct(e.Payload)
	if err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindRuntime, "marshal envelope payload", err)
	}

	s, err := structpb.NewStruct(map[string]any{
		"version":       float64(e.Version),
		"kind":          e.Kind,
		"correlationId": e.CorrelationID,
	})
	if err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindRuntime, "build envelope struct", err)
	}
	s.Fields["payload"] = structpb.NewStructValue(payloadStruct)
	return s, nil
}

// FromProto reconstructs an Envelope from a received structpb.Struct.
// Payload is left as a *structpb.Struct; callers decode it into their
// own type with (*Envelope).DecodePayload.
func FromProto(s *structpb.Struct) (*Envelope, error) {
	if s == nil {
		return nil, aoserrors.New(aoserrors.KindInvalidArgument, "nil envelope")
	}
	fields := s.GetFields()

	e := &Envelope{
		Version:       int32(fields["version"].GetNumberValue()),
		Kind:          fields["kind"].GetStringValue(),
		CorrelationID: fields["correlationId"].GetStringValue(),
	}
	if payload, ok := fields["payload"]; ok {
		e.Payload = payload.GetStructValue()
	}
	return e, nil
}

// DecodePayload unmarshals the envelope's payload (a *structpb.Struct,
// as left by FromProto) into out. out must be a pointer.
func (e *Envelope) DecodePayload(out any) error {
	ps, ok := e.Payload.(*structpb.Struct)
	if !ok {
		return aoserrors.New(aoserrors.KindInvalidArgument, "envelope payload is not a struct")
	}
	raw, err := json.Marshal(ps.AsMap())
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindRuntime, "remarshal envelope payload", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return aoserrors.Wrap(aoserrors.KindRuntime, "decode envelope payload", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return structpb.NewStruct(nil)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
