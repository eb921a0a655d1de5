package server

// Exec service procedures. There is no generated protobuf code: messages
// are plain structs carried by the CBOR codec.
const (
	ExecServiceName = "svm.v1.ExecService"

	RunProcedure         = "/" + ExecServiceName + "/Run"
	AssembleProcedure    = "/" + ExecServiceName + "/Assemble"
	DisassembleProcedure = "/" + ExecServiceName + "/Disassemble"
)

// RunRequest runs one program. Exactly one of Source (assembly text) and
// Image (an encoded program image) must be set. Zero limits select the
// server defaults; the server caps MaxSteps.
type RunRequest struct {
	Source        string `cbor:"1,keyasint,omitempty"`
	Image         []byte `cbor:"2,keyasint,omitempty"`
	StackCapacity int    `cbor:"3,keyasint,omitempty"`
	Globals       int    `cbor:"4,keyasint,omitempty"`
	MaxSteps      int64  `cbor:"5,keyasint,omitempty"`
}

// RunResponse reports how the run ended. Machine faults are results, not
// RPC errors: Status names the terminal state and Error carries the fault.
type RunResponse struct {
	Status string `cbor:"1,keyasint"`          // HALTED, INVALID, FAULT or ABORTED
	Output string `cbor:"2,keyasint,omitempty"` // Everything PUTS wrote
	Opcode int64  `cbor:"3,keyasint,omitempty"` // Offending opcode for INVALID and FAULT
	IP     int    `cbor:"4,keyasint"`
	Error  string `cbor:"5,keyasint,omitempty"`
	Steps  int64  `cbor:"6,keyasint"`
}

// Diagnostic is one assembler error.
type Diagnostic struct {
	Line    int    `cbor:"1,keyasint"`
	Col     int    `cbor:"2,keyasint"`
	Message string `cbor:"3,keyasint"`
}

// AssembleRequest assembles source into a program image.
type AssembleRequest struct {
	Source string `cbor:"1,keyasint"`
}

// AssembleResponse carries the encoded image, or the diagnostics when the
// source does not assemble.
type AssembleResponse struct {
	Image       []byte       `cbor:"1,keyasint,omitempty"`
	Cells       int          `cbor:"2,keyasint"`
	Entry       int          `cbor:"3,keyasint"`
	Diagnostics []Diagnostic `cbor:"4,keyasint,omitempty"`
}

// DisassembleRequest lists a program given as Source or Image.
type DisassembleRequest struct {
	Source string `cbor:"1,keyasint,omitempty"`
	Image  []byte `cbor:"2,keyasint,omitempty"`
}

// DisassembleResponse holds an address-annotated listing and equivalent
// reassemblable source.
type DisassembleResponse struct {
	Listing string `cbor:"1,keyasint"`
	Source  string `cbor:"2,keyasint"`
}
