package bytecode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/apd/v3"
	"github.com/tliron/commonlog"
)

// DefaultStackCapacity is the operand stack size used when no
// WithStackCapacity option is given.
const DefaultStackCapacity = 1000

// MaxStackCapacity and MaxGlobals bound the stores New allocates. A program
// without an explicit global store size gets min(len(code), MaxGlobals) slots.
const (
	MaxStackCapacity = 1 << 24
	MaxGlobals       = 1 << 20
)

// The context is polled every contextCheckInterval steps; must be a power of two.
const contextCheckInterval = 1024

// StatusKind classifies how a run ended.
type StatusKind uint8

const (
	StatusRunning StatusKind = iota // Not finished yet
	StatusHalted                    // HALT fetched, or ip reached the end of code
	StatusInvalid                   // INVALID or an unrecognized opcode fetched
	StatusFault                     // Out-of-bounds access or output failure
	StatusAborted                   // Step limit or context cancellation
)

// String returns a human-readable name for StatusKind.
func (k StatusKind) String() string {
	switch k {
	case StatusRunning:
		return "RUNNING"
	case StatusHalted:
		return "HALTED"
	case StatusInvalid:
		return "INVALID"
	case StatusFault:
		return "FAULT"
	case StatusAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("StatusKind(%d)", k)
	}
}

// Status is the terminal state of a run. Opcode and IP identify the
// instruction that stopped the machine; they are zero for StatusHalted
// except IP, which holds the final instruction pointer.
type Status struct {
	Kind   StatusKind
	Opcode Cell
	IP     int
}

func (s Status) String() string {
	switch s.Kind {
	case StatusInvalid:
		return fmt.Sprintf("INVALID(%d) at %d", s.Opcode, s.IP)
	case StatusFault:
		return fmt.Sprintf("FAULT(%s) at %d", Opcode(s.Opcode), s.IP)
	default:
		return s.Kind.String()
	}
}

// Tracer observes a run. TraceStep is called after an instruction is
// decoded and before it executes; TraceFinish once when the run ends.
// Tracers must only read machine state through the VM's accessors.
type Tracer interface {
	TraceStep(vm *VM, in Instruction)
	TraceFinish(vm *VM, status Status, err error)
}

// Option configures a VM.
type Option func(*vmConfig)

type vmConfig struct {
	startIP       int
	stackCapacity int
	globals       int // -1 sizes the store to the program
	maxSteps      int64
	out           io.Writer
	tracer        Tracer
	log           commonlog.Logger
	badGlobals    bool
}

// WithStartIP sets the address of the first instruction executed.
func WithStartIP(ip int) Option {
	return func(c *vmConfig) { c.startIP = ip }
}

// WithStackCapacity sets the maximum number of operand stack cells.
func WithStackCapacity(n int) Option {
	return func(c *vmConfig) { c.stackCapacity = n }
}

// WithGlobals sets the size of the global store. By default the store has
// one slot per program cell.
func WithGlobals(n int) Option {
	return func(c *vmConfig) {
		c.globals = n
		c.badGlobals = n < 0
	}
}

// WithMaxSteps stops the run with ErrStepLimit after n instructions.
// Zero means unlimited.
func WithMaxSteps(n int64) Option {
	return func(c *vmConfig) { c.maxSteps = n }
}

// WithOutput sets the sink PUTS writes to. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(c *vmConfig) { c.out = w }
}

// WithTracer attaches a step observer.
func WithTracer(t Tracer) Option {
	return func(c *vmConfig) { c.tracer = t }
}

// WithLogger replaces the "svm.vm" logger.
func WithLogger(log commonlog.Logger) Option {
	return func(c *vmConfig) { c.log = log }
}

// VM executes a program. A VM is single-use and not safe for concurrent
// use; independent VMs share nothing.
type VM struct {
	code Program
	ip   int // Instruction pointer
	sp   int // Index of the top of stack, -1 when empty
	fp   int // Frame pointer

	stack   []*apd.BigInt
	globals []*apd.BigInt // nil slots are uninitialized

	out      io.Writer
	tracer   Tracer
	log      commonlog.Logger
	maxSteps int64
	steps    int64

	cur    Instruction // Instruction being executed
	status Status
	err    error
}

// New creates a VM for code. The program is copied; the caller may reuse
// its slice.
func New(code Program, opts ...Option) (*VM, error) {
	cfg := &vmConfig{
		stackCapacity: DefaultStackCapacity,
		globals:       -1,
		out:           os.Stdout,
		log:           commonlog.GetLogger("svm.vm"),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	switch {
	case len(code) == 0:
		return nil, &MalformedProgramError{Reason: "empty program"}
	case cfg.startIP < 0 || cfg.startIP >= len(code):
		return nil, &MalformedProgramError{Reason: fmt.Sprintf("start ip %d outside [0, %d)", cfg.startIP, len(code))}
	case cfg.stackCapacity <= 0:
		return nil, &MalformedProgramError{Reason: fmt.Sprintf("stack capacity %d must be positive", cfg.stackCapacity)}
	case cfg.stackCapacity > MaxStackCapacity:
		return nil, &MalformedProgramError{Reason: fmt.Sprintf("stack capacity %d exceeds %d", cfg.stackCapacity, MaxStackCapacity)}
	case cfg.badGlobals:
		return nil, &MalformedProgramError{Reason: fmt.Sprintf("global store size %d is negative", cfg.globals)}
	case cfg.globals > MaxGlobals:
		return nil, &MalformedProgramError{Reason: fmt.Sprintf("global store size %d exceeds %d", cfg.globals, MaxGlobals)}
	case cfg.maxSteps < 0:
		return nil, &MalformedProgramError{Reason: fmt.Sprintf("step limit %d is negative", cfg.maxSteps)}
	}
	if cfg.globals < 0 {
		cfg.globals = min(len(code), MaxGlobals)
	}
	if cfg.out == nil {
		cfg.out = io.Discard
	}
	if cfg.log == nil {
		cfg.log = commonlog.MOCK_LOGGER
	}

	prog := make(Program, len(code))
	copy(prog, code)

	return &VM{
		code:     prog,
		ip:       cfg.startIP,
		sp:       -1,
		stack:    make([]*apd.BigInt, cfg.stackCapacity),
		globals:  make([]*apd.BigInt, cfg.globals),
		out:      cfg.out,
		tracer:   cfg.tracer,
		log:      cfg.log,
		maxSteps: cfg.maxSteps,
	}, nil
}

// Run executes until HALT, the end of code, or a fatal condition.
func (vm *VM) Run() (Status, error) {
	return vm.RunContext(context.Background())
}

// RunContext is Run with cancellation. The context is checked between
// instructions, never in the middle of one.
func (vm *VM) RunContext(ctx context.Context) (Status, error) {
	if vm.status.Kind != StatusRunning {
		return vm.status, vm.err
	}

	debug := vm.log.AllowLevel(commonlog.Debug)
	if debug {
		vm.log.Debug(vm.DumpStack())
	}

	for {
		if vm.steps&(contextCheckInterval-1) == 0 {
			if err := ctx.Err(); err != nil {
				return vm.finish(false, err, debug)
			}
		}
		halted, err := vm.step(debug)
		if halted || err != nil {
			return vm.finish(halted, err, debug)
		}
	}
}

// Step executes a single instruction. It returns StatusRunning while the
// program has more to do.
func (vm *VM) Step() (Status, error) {
	if vm.status.Kind != StatusRunning {
		return vm.status, vm.err
	}
	debug := vm.log.AllowLevel(commonlog.Debug)
	halted, err := vm.step(debug)
	if halted || err != nil {
		return vm.finish(halted, err, debug)
	}
	return vm.status, nil
}

// step runs one fetch-decode-execute cycle.
func (vm *VM) step(debug bool) (bool, error) {
	if vm.ip == len(vm.code) {
		return true, nil
	}
	if vm.maxSteps > 0 && vm.steps >= vm.maxSteps {
		return false, fmt.Errorf("%w: %d instructions", ErrStepLimit, vm.steps)
	}

	in, err := Decode(vm.code, vm.ip)
	if err != nil {
		return false, err
	}
	vm.cur = in
	vm.steps++

	if vm.tracer != nil {
		vm.tracer.TraceStep(vm, in)
	}
	if debug {
		vm.log.Debug(FormatInstruction(in, vm.sp))
	}

	// Branches overwrite ip explicitly.
	vm.ip = in.Next()

	switch in.Op {
	// ============ Arithmetic and comparison ============
	case OpIAdd, OpISub, OpIMul, OpILt, OpIEq:
		b, err := vm.pop()
		if err != nil {
			return false, err
		}
		a, err := vm.pop()
		if err != nil {
			return false, err
		}
		if err := vm.push(binaryOp(in.Op, a, b)); err != nil {
			return false, err
		}

	// ============ Control flow ============
	case OpBr:
		if err := vm.jump(in.Args[0]); err != nil {
			return false, err
		}

	case OpBrt, OpBrf:
		v, err := vm.pop()
		if err != nil {
			return false, err
		}
		if (in.Op == OpBrt && v.Cmp(valueOne) == 0) || (in.Op == OpBrf && v.Sign() == 0) {
			if err := vm.jump(in.Args[0]); err != nil {
				return false, err
			}
		}

	// ============ Constants and memory ============
	case OpIConst:
		if err := vm.push(apd.NewBigInt(int64(in.Args[0]))); err != nil {
			return false, err
		}

	case OpLoad:
		addr, err := vm.frameSlot(in.Args[0])
		if err != nil {
			return false, err
		}
		if err := vm.push(vm.stack[addr]); err != nil {
			return false, err
		}

	case OpStore:
		v, err := vm.pop()
		if err != nil {
			return false, err
		}
		addr, err := vm.frameSlot(in.Args[0])
		if err != nil {
			return false, err
		}
		vm.stack[addr] = v

	case OpGLoad:
		addr, err := vm.globalSlot(in.Args[0])
		if err != nil {
			return false, err
		}
		v := vm.globals[addr]
		if v == nil {
			v = valueZero
		}
		if err := vm.push(v); err != nil {
			return false, err
		}

	case OpGStore:
		v, err := vm.pop()
		if err != nil {
			return false, err
		}
		addr, err := vm.globalSlot(in.Args[0])
		if err != nil {
			return false, err
		}
		vm.globals[addr] = v

	// ============ Output and stack ============
	case OpPuts:
		v, err := vm.pop()
		if err != nil {
			return false, err
		}
		line := "OUTPUT: " + v.String()
		if _, err := fmt.Fprintln(vm.out, line); err != nil {
			return false, fmt.Errorf("PUTS at ip = %d: %w", in.Addr, err)
		}
		if debug {
			vm.log.Debug(line)
		}

	case OpPop:
		if _, err := vm.pop(); err != nil {
			return false, err
		}

	// ============ Procedures ============
	case OpCall:
		argc := in.Args[1]
		if argc < 0 || argc > Cell(vm.sp+1) {
			return false, vm.fault(SpaceStack, int64(vm.sp)+1-int64(argc), vm.sp+1)
		}
		if err := vm.pushInt(int64(argc)); err != nil {
			return false, err
		}
		if err := vm.pushInt(int64(vm.fp)); err != nil {
			return false, err
		}
		if err := vm.pushInt(int64(vm.ip)); err != nil {
			return false, err
		}
		vm.fp = vm.sp
		if err := vm.jump(in.Args[0]); err != nil {
			return false, err
		}

	case OpRet:
		if err := vm.ret(); err != nil {
			return false, err
		}

	case OpHalt:
		return true, nil
	}

	if debug {
		vm.log.Debug(vm.DumpStack())
	}
	return false, nil
}

// ret tears down the frame header established by CALL and discards the
// callee's arguments.
func (vm *VM) ret() error {
	rv, err := vm.pop()
	if err != nil {
		return err
	}
	// The callee may have popped into its own frame header.
	if vm.fp < -1 || vm.fp > vm.sp {
		return vm.fault(SpaceStack, int64(vm.fp), vm.sp+1)
	}
	vm.sp = vm.fp

	retIP, err := vm.popWord()
	if err != nil {
		return err
	}
	savedFP, err := vm.popWord()
	if err != nil {
		return err
	}
	argc, err := vm.popWord()
	if err != nil {
		return err
	}
	if argc < 0 || argc > int64(vm.sp+1) {
		return vm.fault(SpaceStack, int64(vm.sp)+1-argc, vm.sp+1)
	}
	// A header rewritten by STORE can name a frame above the caller's top.
	callerSP := vm.sp - int(argc)
	if savedFP < -1 || savedFP > int64(callerSP) {
		return vm.fault(SpaceStack, savedFP, callerSP+1)
	}

	vm.fp = int(savedFP)
	vm.sp = callerSP
	if err := vm.jump(Cell(retIP)); err != nil {
		return err
	}
	return vm.push(rv)
}

// finish records the terminal status exactly once.
func (vm *VM) finish(halted bool, err error, debug bool) (Status, error) {
	var (
		unknown *UnknownOpcodeError
		oob     *OutOfBoundsError
	)
	switch {
	case err == nil:
		vm.status = Status{Kind: StatusHalted, IP: vm.ip}
	case errors.As(err, &unknown):
		vm.status = Status{Kind: StatusInvalid, Opcode: unknown.Opcode, IP: unknown.IP}
	case errors.As(err, &oob):
		vm.status = Status{Kind: StatusFault, Opcode: Cell(oob.Op), IP: oob.IP}
	case errors.Is(err, ErrStepLimit), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		vm.status = Status{Kind: StatusAborted, IP: vm.ip}
	default:
		vm.status = Status{Kind: StatusFault, Opcode: Cell(vm.cur.Op), IP: vm.cur.Addr}
	}
	vm.err = err

	if vm.tracer != nil {
		vm.tracer.TraceFinish(vm, vm.status, err)
	}
	if debug {
		vm.log.Debug(vm.DumpStack())
		vm.log.Debug(vm.DumpGlobals())
		vm.log.Debug(vm.DumpCode())
		vm.log.Debugf("RV %s", vm.status)
	}
	return vm.status, err
}

// Stack helpers

func (vm *VM) push(v *apd.BigInt) error {
	if vm.sp+1 >= len(vm.stack) {
		return vm.fault(SpaceStack, int64(vm.sp+1), len(vm.stack))
	}
	vm.sp++
	vm.stack[vm.sp] = v
	return nil
}

func (vm *VM) pushInt(n int64) error {
	return vm.push(apd.NewBigInt(n))
}

func (vm *VM) pop() (*apd.BigInt, error) {
	if vm.sp < 0 {
		return nil, vm.fault(SpaceStack, int64(vm.sp), len(vm.stack))
	}
	v := vm.stack[vm.sp]
	vm.sp--
	return v, nil
}

// popWord pops a value that must fit a machine word, such as a saved
// pointer or an argument count.
func (vm *VM) popWord() (int64, error) {
	at := vm.sp
	v, err := vm.pop()
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, vm.fault(SpaceStack, int64(at), len(vm.stack))
	}
	return v.Int64(), nil
}

// Addressing helpers

func (vm *VM) frameSlot(offset Cell) (int, error) {
	addr := int64(vm.fp) + int64(offset)
	if addr < 0 || addr > int64(vm.sp) {
		return 0, vm.fault(SpaceFrame, addr, vm.sp+1)
	}
	return int(addr), nil
}

func (vm *VM) globalSlot(addr Cell) (int, error) {
	if addr < 0 || int64(addr) >= int64(len(vm.globals)) {
		return 0, vm.fault(SpaceGlobals, int64(addr), len(vm.globals))
	}
	return int(addr), nil
}

// jump transfers control. The end of code is a valid target: fetching
// there halts the machine.
func (vm *VM) jump(target Cell) error {
	if target < 0 || int64(target) > int64(len(vm.code)) {
		return vm.fault(SpaceCode, int64(target), len(vm.code)+1)
	}
	vm.ip = int(target)
	return nil
}

func (vm *VM) fault(space Space, addr int64, limit int) error {
	return &OutOfBoundsError{Op: vm.cur.Op, IP: vm.cur.Addr, Space: space, Addr: addr, Limit: limit}
}

// Values

var (
	valueZero = apd.NewBigInt(0)
	valueOne  = apd.NewBigInt(1)
)

// binaryOp computes a OP b. Results are freshly allocated; stack values
// are never mutated in place.
func binaryOp(op Opcode, a, b *apd.BigInt) *apd.BigInt {
	switch op {
	case OpIAdd:
		return new(apd.BigInt).Add(a, b)
	case OpISub:
		return new(apd.BigInt).Sub(a, b)
	case OpIMul:
		return new(apd.BigInt).Mul(a, b)
	case OpILt:
		return boolValue(a.Cmp(b) < 0)
	case OpIEq:
		return boolValue(a.Cmp(b) == 0)
	}
	panic("bytecode: not a binary opcode: " + op.String())
}

func boolValue(b bool) *apd.BigInt {
	if b {
		return valueOne
	}
	return valueZero
}

// Read-only accessors

// IP returns the instruction pointer.
func (vm *VM) IP() int { return vm.ip }

// SP returns the stack pointer (-1 when the stack is empty).
func (vm *VM) SP() int { return vm.sp }

// FP returns the frame pointer.
func (vm *VM) FP() int { return vm.fp }

// Steps returns the number of instructions executed so far.
func (vm *VM) Steps() int64 { return vm.steps }

// Code returns the program being executed. Callers must not modify it.
func (vm *VM) Code() Program { return vm.code }

// Status returns the terminal status, or StatusRunning before the run ends.
func (vm *VM) Status() Status { return vm.status }

// Err returns the error that ended the run, if any.
func (vm *VM) Err() error { return vm.err }

// Stack returns the live stack contents, bottom first, in decimal.
func (vm *VM) Stack() []string {
	out := make([]string, 0, vm.sp+1)
	for i := 0; i <= vm.sp; i++ {
		out = append(out, vm.stack[i].String())
	}
	return out
}

// Top returns the value on top of the stack.
func (vm *VM) Top() (string, bool) {
	if vm.sp < 0 {
		return "", false
	}
	return vm.stack[vm.sp].String(), true
}

// Global returns the value at addr; ok is false for uninitialized or
// out-of-range slots.
func (vm *VM) Global(addr int) (string, bool) {
	if addr < 0 || addr >= len(vm.globals) || vm.globals[addr] == nil {
		return "", false
	}
	return vm.globals[addr].String(), true
}

// GlobalCount returns the size of the global store.
func (vm *VM) GlobalCount() int { return len(vm.globals) }

// StackCapacity returns the maximum number of stack cells.
func (vm *VM) StackCapacity() int { return len(vm.stack) }
