package protocol

import (
	"encoding/binary"
	"fmt"
)

// Opcode is the first byte of every RACP message.
type Opcode uint8

const (
	OpReportStoredRecords     Opcode = 0x01
	OpDeleteStoredRecords     Opcode = 0x02
	OpAbortOperation          Opcode = 0x03
	OpReportNumberOfRecords   Opcode = 0x04
	OpNumberOfRecordsResponse Opcode = 0x05
	OpResponseCode            Opcode = 0x06
)

var opcodeNames = map[Opcode]string{
	OpReportStoredRecords:     "Report Stored Records",
	OpDeleteStoredRecords:     "Delete Stored Records",
	OpAbortOperation:          "Abort Operation",
	OpReportNumberOfRecords:   "Report Number of Stored Records",
	OpNumberOfRecordsResponse: "Number of Stored Records Response",
	OpResponseCode:            "Response Code",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
}

// Operator qualifies which records a command applies to.
type Operator uint8

const (
	OperatorNull           Operator = 0x00
	OperatorAllRecords     Operator = 0x01
	OperatorLessOrEqual    Operator = 0x02
	OperatorGreaterOrEqual Operator = 0x03
	OperatorWithinRange    Operator = 0x04
	OperatorFirstRecord    Operator = 0x05
	OperatorLastRecord     Operator = 0x06
)

var operatorNames = map[Operator]string{
	OperatorNull:           "Null",
	OperatorAllRecords:     "All records",
	OperatorLessOrEqual:    "Less than or equal to",
	OperatorGreaterOrEqual: "Greater than or equal to",
	OperatorWithinRange:    "Within range of",
	OperatorFirstRecord:    "First record",
	OperatorLastRecord:     "Last record",
}

func (o Operator) String() string {
	if s, ok := operatorNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Operator(0x%02x)", uint8(o))
}

// ResultCode is the device verdict carried by a Response Code message.
// Values outside the named set are kept as-is and reported as unknown.
type ResultCode uint8

const (
	ResultSuccess              ResultCode = 0x01
	ResultOpCodeNotSupported   ResultCode = 0x02
	ResultInvalidOperator      ResultCode = 0x03
	ResultOperatorNotSupported ResultCode = 0x04
	ResultInvalidOperand       ResultCode = 0x05
	ResultNoRecordsFound       ResultCode = 0x06
	ResultAbortUnsuccessful    ResultCode = 0x07
	ResultProcedureNotComplete ResultCode = 0x08
	ResultOperandNotSupported  ResultCode = 0x09
)

var resultNames = map[ResultCode]string{
	ResultSuccess:              "Success",
	ResultOpCodeNotSupported:   "Op Code Not Supported",
	ResultInvalidOperator:      "Invalid Operator",
	ResultOperatorNotSupported: "Operator Not Supported",
	ResultInvalidOperand:       "Invalid Operand",
	ResultNoRecordsFound:       "No Records Found",
	ResultAbortUnsuccessful:    "Abort Unsuccessful",
	ResultProcedureNotComplete: "Procedure Not Completed",
	ResultOperandNotSupported:  "Operand Not Supported",
}

// Known reports whether r is one of the assigned result codes.
func (r ResultCode) Known() bool {
	_, ok := resultNames[r]
	return ok
}

func (r ResultCode) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Unknown(0x%02x)", uint8(r))
}

// Command is an outgoing two-byte RACP request.
type Command struct {
	Opcode   Opcode
	Operator Operator
}

// Commonly used commands.
var (
	CmdReportNumberOfRecords = Command{OpReportNumberOfRecords, OperatorAllRecords}
	CmdReportAllRecords      = Command{OpReportStoredRecords, OperatorAllRecords}
	CmdAbort                 = Command{OpAbortOperation, OperatorNull}
)

// EncodeCommand returns the wire form of (opcode, operator).
func EncodeCommand(op Opcode, operator Operator) []byte {
	return []byte{byte(op), byte(operator)}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (c Command) MarshalBinary() ([]byte, error) {
	return EncodeCommand(c.Opcode, c.Operator), nil
}

// Bytes is MarshalBinary without the error.
func (c Command) Bytes() []byte { return EncodeCommand(c.Opcode, c.Operator) }

func (c Command) String() string {
	return fmt.Sprintf("%s/%s", c.Opcode, c.Operator)
}

// Response is a decoded RACP indication: CountReport, CompletionReport or
// Unrecognized.
type Response interface {
	racpResponse()
}

// CountReport answers Report Number of Stored Records.
type CountReport struct {
	Operator Operator
	Count    uint16
}

// CompletionReport ends a procedure with the device's verdict.
type CompletionReport struct {
	Operator        Operator
	RequestedOpcode Opcode
	Result          ResultCode
}

// Unrecognized is any other opcode the device sent. It is surfaced rather
// than rejected.
type Unrecognized struct {
	Opcode   Opcode
	Operator Operator
}

func (CountReport) racpResponse()      {}
func (CompletionReport) racpResponse() {}
func (Unrecognized) racpResponse()     {}

func (r CountReport) String() string {
	return fmt.Sprintf("count=%d", r.Count)
}

func (r CompletionReport) String() string {
	return fmt.Sprintf("%s: %s", r.RequestedOpcode, r.Result)
}

func (r Unrecognized) String() string {
	return fmt.Sprintf("unrecognized %s operator=0x%02x", r.Opcode, uint8(r.Operator))
}

// DecodeResponse parses a RACP indication.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: racp response needs 2 bytes, got %d", ErrTooShort, len(data))
	}
	op, operator := Opcode(data[0]), Operator(data[1])

	switch op {
	case OpNumberOfRecordsResponse:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: count report needs 4 bytes, got %d", ErrTooShort, len(data))
		}
		return CountReport{
			Operator: operator,
			Count:    binary.LittleEndian.Uint16(data[2:4]),
		}, nil
	case OpResponseCode:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: response code needs 4 bytes, got %d", ErrTooShort, len(data))
		}
		return CompletionReport{
			Operator:        operator,
			RequestedOpcode: Opcode(data[2]),
			Result:          ResultCode(data[3]),
		}, nil
	default:
		return Unrecognized{Opcode: op, Operator: operator}, nil
	}
}
