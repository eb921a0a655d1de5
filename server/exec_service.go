package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/svm/pkg/asm"
	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/pkg/image"
)

// Limits bound what a single request may ask of the server.
type Limits struct {
	MaxSteps         int64 // Step budget per run; requests may lower it
	MaxStackCapacity int
	MaxGlobals       int
	MaxOutputBytes   int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:         10_000_000,
		MaxStackCapacity: 1 << 20,
		MaxGlobals:       1 << 16,
		MaxOutputBytes:   1 << 20,
	}
}

// ExecService implements the svm.v1.ExecService Connect/gRPC handlers.
type ExecService struct {
	pool   *Pool
	limits Limits
	log    commonlog.Logger
}

// NewExecService creates an ExecService running engines on pool. Zero
// store limits fall back to the engine maximums.
func NewExecService(pool *Pool, limits Limits) *ExecService {
	if limits.MaxStackCapacity <= 0 {
		limits.MaxStackCapacity = bytecode.MaxStackCapacity
	}
	if limits.MaxGlobals <= 0 {
		limits.MaxGlobals = bytecode.MaxGlobals
	}
	return &ExecService{
		pool:   pool,
		limits: limits,
		log:    commonlog.GetLogger("svm.server"),
	}
}

// Handler returns the path prefix and handler serving all three procedures.
func (s *ExecService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(cborCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, s.Run, opts...))
	mux.Handle(AssembleProcedure, connect.NewUnaryHandler(AssembleProcedure, s.Assemble, opts...))
	mux.Handle(DisassembleProcedure, connect.NewUnaryHandler(DisassembleProcedure, s.Disassemble, opts...))
	return "/" + ExecServiceName + "/", mux
}

// Run assembles or decodes a program and executes it on a fresh engine.
func (s *ExecService) Run(
	ctx context.Context,
	req *connect.Request[RunRequest],
) (*connect.Response[RunResponse], error) {
	msg := req.Msg
	img, err := loadProgram(msg.Source, msg.Image)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	prog := img.Program()

	switch {
	case msg.StackCapacity < 0:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("stack capacity %d is negative", msg.StackCapacity))
	case msg.Globals < 0:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("globals %d is negative", msg.Globals))
	case msg.MaxSteps < 0:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("max steps %d is negative", msg.MaxSteps))
	}
	stack, err := storeSize("stack capacity", msg.StackCapacity, img.StackCapacity,
		bytecode.DefaultStackCapacity, s.limits.MaxStackCapacity)
	if err != nil {
		return nil, err
	}
	globals, err := storeSize("globals", msg.Globals, img.Globals,
		min(len(prog), bytecode.MaxGlobals), s.limits.MaxGlobals)
	if err != nil {
		return nil, err
	}
	opts := []bytecode.Option{
		bytecode.WithStartIP(img.Entry),
		bytecode.WithStackCapacity(stack),
		bytecode.WithGlobals(globals),
	}
	maxSteps := s.limits.MaxSteps
	if msg.MaxSteps > 0 && (maxSteps == 0 || msg.MaxSteps < maxSteps) {
		maxSteps = msg.MaxSteps
	}
	opts = append(opts, bytecode.WithMaxSteps(maxSteps))

	result, err := s.pool.Do(ctx, func(ctx context.Context) (any, error) {
		out := &limitedBuffer{limit: s.limits.MaxOutputBytes}
		vm, err := bytecode.New(prog, append(opts, bytecode.WithOutput(out))...)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		status, runErr := vm.RunContext(ctx)
		resp := &RunResponse{
			Status: status.Kind.String(),
			Output: out.String(),
			IP:     status.IP,
			Steps:  vm.Steps(),
		}
		if status.Kind == bytecode.StatusInvalid || status.Kind == bytecode.StatusFault {
			resp.Opcode = int64(status.Opcode)
		}
		if runErr != nil {
			resp.Error = runErr.Error()
		}
		return resp, nil
	})
	if err != nil {
		return nil, rpcError(err)
	}

	resp := result.(*RunResponse)
	s.log.Debugf("run: %s at %d after %d steps", resp.Status, resp.IP, resp.Steps)
	return connect.NewResponse(resp), nil
}

// Assemble translates source into an encoded program image. Assembly
// errors are returned as diagnostics, not as RPC errors.
func (s *ExecService) Assemble(
	ctx context.Context,
	req *connect.Request[AssembleRequest],
) (*connect.Response[AssembleResponse], error) {
	if strings.TrimSpace(req.Msg.Source) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}

	obj, err := asm.Assemble(req.Msg.Source)
	if err != nil {
		return connect.NewResponse(&AssembleResponse{Diagnostics: diagnostics(err)}), nil
	}
	data, err := image.Marshal(image.FromObject(obj))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&AssembleResponse{
		Image: data,
		Cells: len(obj.Code),
		Entry: obj.Entry,
	}), nil
}

// Disassemble lists a program.
func (s *ExecService) Disassemble(
	ctx context.Context,
	req *connect.Request[DisassembleRequest],
) (*connect.Response[DisassembleResponse], error) {
	var (
		prog    bytecode.Program
		symbols map[string]int
	)
	switch {
	case req.Msg.Source != "" && len(req.Msg.Image) > 0:
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("give either source or image, not both"))
	case req.Msg.Source != "":
		obj, err := asm.Assemble(req.Msg.Source)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		prog, symbols = obj.Code, obj.Symbols
	case len(req.Msg.Image) > 0:
		img, err := image.Unmarshal(req.Msg.Image)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		prog, symbols = img.Program(), img.Symbols
	default:
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("source or image is required"))
	}

	return connect.NewResponse(&DisassembleResponse{
		Listing: prog.DisassembleWithName("", symbols),
		Source:  asm.Format(prog, symbols),
	}), nil
}

// storeSize picks the requested size, else the image's, else def. Explicit
// sizes above limit are rejected; the default is clamped to it.
func storeSize(what string, requested, recorded, def, limit int) (int, error) {
	n := requested
	if n == 0 {
		n = recorded
	}
	if n == 0 {
		return min(def, limit), nil
	}
	if n < 0 || n > limit {
		return 0, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s %d outside [0, %d]", what, n, limit))
	}
	return n, nil
}

// loadProgram returns the program image from exactly
// one of source and img.
func loadProgram(source string, data []byte) (*image.Image, error) {
	switch {
	case source != "" && len(data) > 0:
		return nil, errors.New("give either source or image, not both")
	case source != "":
		obj, err := asm.Assemble(source)
		if err != nil {
			return nil, err
		}
		return image.FromObject(obj), nil
	case len(data) > 0:
		return image.Unmarshal(data)
	default:
		return nil, errors.New("source or image is required")
	}
}

func diagnostics(err error) []Diagnostic {
	var list asm.ErrorList
	if !errors.As(err, &list) {
		return []Diagnostic{{Message: err.Error()}}
	}
	out := make([]Diagnostic, len(list))
	for i, e := range list {
		out[i] = Diagnostic{Line: e.Line, Col: e.Col, Message: e.Msg}
	}
	return out
}

// rpcError maps worker pool failures to Connect codes.
func rpcError(err error) error {
	var connectErr *connect.Error
	switch {
	case errors.As(err, &connectErr):
		return connectErr
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, ErrPoolStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// errOutputLimit is reported by PUTS once a run exceeds its output budget.
var errOutputLimit = errors.New("output limit exceeded")

// limitedBuffer collects program output up to limit bytes.
type limitedBuffer struct {
	strings.Builder
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 && b.Len()+len(p) > b.limit {
		return 0, errOutputLimit
	}
	return b.Builder.Write(p)
}
