package protocol

import "fmt"

// HeaderSize is the fixed wire header length in bytes.
const HeaderSize = 16

// MessageType identifies a flow-control message.
type MessageType uint32

const (
	MessageRegisterReq MessageType = iota
	MessageRegisterResp
	MessageReportReq
	MessageReportResp
)

func (t MessageType) String() string {
	switch t {
	case MessageRegisterReq:
		return "REGISTER_REQ"
	case MessageRegisterResp:
		return "REGISTER_RESP"
	case MessageReportReq:
		return "REPORT_REQ"
	case MessageReportResp:
		return "REPORT_RESP"
	default:
		return fmt.Sprintf("MESSAGE_TYPE(%d)", uint32(t))
	}
}

// Status is the response code carried in the header.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusTriggerRegister
	StatusStartFlowController
	StatusStopFlowController
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "RESP_SUCCESS"
	case StatusTriggerRegister:
		return "RESP_TRIGGER_REGISTER"
	case StatusStartFlowController:
		return "RESP_START_FLOW_CONTROLLER"
	case StatusStopFlowController:
		return "RESP_STOP_FLOW_CONTROLLER"
	case StatusFailure:
		return "RESP_FAILURE"
	default:
		return fmt.Sprintf("STATUS(%d)", uint32(s))
	}
}

// FieldID tags one payload element.
type FieldID uint32

const (
	FieldSerialNumber FieldID = iota
	FieldFlowYMLName
	FieldFlowYMLContent
	FieldReportInterval
	FieldProcessorName
	FieldPropertyName
	FieldPropertyValue
	FieldReportBlob
)

// SerialNumberLen is the fixed width of the serial number value.
const SerialNumberLen = 8

// FieldKind is the value layout following a field id.
type FieldKind uint8

const (
	KindUnknown FieldKind = iota
	KindSerial            // fixed 8 bytes
	KindUint32            // fixed 4 bytes
	KindString            // u32 length incl. NUL, bytes, NUL
	KindBytes             // u32 length, bytes
)

// Kind returns the value layout for a field id.
func (id FieldID) Kind() FieldKind {
	switch id {
	case FieldSerialNumber:
		return KindSerial
	case FieldReportInterval:
		return KindUint32
	case FieldFlowYMLName, FieldFlowYMLContent, FieldProcessorName, FieldPropertyName, FieldPropertyValue:
		return KindString
	case FieldReportBlob:
		return KindBytes
	default:
		return KindUnknown
	}
}

func (id FieldID) String() string {
	switch id {
	case FieldSerialNumber:
		return "FLOW_SERIAL_NUMBER"
	case FieldFlowYMLName:
		return "FLOW_YML_NAME"
	case FieldFlowYMLContent:
		return "FLOW_YML_CONTENT"
	case FieldReportInterval:
		return "REPORT_INTERVAL"
	case FieldProcessorName:
		return "PROCESSOR_NAME"
	case FieldPropertyName:
		return "PROPERTY_NAME"
	case FieldPropertyValue:
		return "PROPERTY_VALUE"
	case FieldReportBlob:
		return "REPORT_BLOB"
	default:
		return fmt.Sprintf("FIELD(%d)", uint32(id))
	}
}

// Header is the fixed wire header.
type Header struct {
	MessageType MessageType
	SeqNumber   uint32
	Status      Status
	PayloadLen  uint32
}

// Field is one decoded tagged field. String values are held without the
// trailing NUL.
type Field struct {
	ID    FieldID
	Value []byte
}

// Message is one complete wire message.
type Message struct {
	Header Header
	Fields []Field
}

// Limits constrains decode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}
