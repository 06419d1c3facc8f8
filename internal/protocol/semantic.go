package protocol

import "fmt"

// FieldSpec declares a known field within a message type.
type FieldSpec struct {
	ID       FieldID
	Required bool
}

// Schema defines required and known fields for a message type.
type Schema struct {
	MessageType MessageType
	Fields      []FieldSpec
}

var (
	RegisterRequestSchema = Schema{
		MessageType: MessageRegisterReq,
		Fields: []FieldSpec{
			{ID: FieldSerialNumber, Required: true},
			{ID: FieldFlowYMLName, Required: true},
		},
	}
	ReportRequestSchema = Schema{
		MessageType: MessageReportReq,
		Fields: []FieldSpec{
			{ID: FieldFlowYMLName, Required: true},
			{ID: FieldReportBlob},
		},
	}
)

// SemanticMessage is a message whose fields were checked against a schema.
type SemanticMessage struct {
	Header  Header
	Fields  map[FieldID]Field
	Unknown []Field
}

// ParseSemantic validates msg against schema. Fields the schema does not name
// are kept in Unknown rather than rejected.
func ParseSemantic(msg *Message, schema Schema) (*SemanticMessage, error) {
	if msg == nil {
		return nil, ErrInvalidLength
	}
	if msg.Header.MessageType != schema.MessageType {
		return nil, ErrMessageTypeMismatch
	}
	known := make(map[FieldID]FieldSpec, len(schema.Fields))
	for _, spec := range schema.Fields {
		known[spec.ID] = spec
	}

	semantic := &SemanticMessage{
		Header: msg.Header,
		Fields: make(map[FieldID]Field),
	}
	for _, field := range msg.Fields {
		if _, ok := known[field.ID]; !ok {
			semantic.Unknown = append(semantic.Unknown, field)
			continue
		}
		if _, dup := semantic.Fields[field.ID]; !dup {
			semantic.Fields[field.ID] = field
		}
	}
	for _, spec := range schema.Fields {
		if !spec.Required {
			continue
		}
		if _, ok := semantic.Fields[spec.ID]; !ok {
			return nil, MissingFieldError{FieldID: spec.ID}
		}
	}
	return semantic, nil
}

// MissingFieldError indicates a required field was not present.
type MissingFieldError struct {
	FieldID FieldID
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("protocol: missing required field %s", e.FieldID)
}
