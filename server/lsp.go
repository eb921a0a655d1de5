package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/svm/pkg/asm"
	"github.com/chazu/svm/pkg/bytecode"
)

const lspName = "svm-lsp"

// LspServer provides editor features for assembly sources: diagnostics
// from the assembler, hover for mnemonics and labels, completion, and
// label definitions and references.
type LspServer struct {
	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	log     commonlog.Logger
	version string
}

// NewLSP creates a new LSP server.
func NewLSP() *LspServer {
	s := &LspServer{
		docs:    make(map[string]string),
		log:     commonlog.GetLogger("svm.lsp"),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	s.log.Info("svm LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return complete(text, extractPrefix(text, params.Position)), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return hover(text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	for _, tok := range asm.Tokenize(text) {
		if tok.Type == asm.TokenLabel && tok.Literal == word {
			return []protocol.Location{tokenLocation(uri, tok)}, nil
		}
	}
	return nil, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return references(uri, text, word, params.Context.IncludeDeclaration), nil
}

// --- Assembler-backed logic ---

// complete offers mnemonics, directives and the labels defined in text.
func complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(prefix)

	if strings.HasPrefix(prefix, ".") {
		for _, d := range []string{".entry", ".globals", ".word"} {
			if strings.HasPrefix(d, lowerPrefix) {
				kind := protocol.CompletionItemKindKeyword
				detail := "directive"
				name := d
				items = append(items, protocol.CompletionItem{
					Label:      name,
					Kind:       &kind,
					Detail:     &detail,
					InsertText: &name,
				})
			}
		}
		return items
	}

	// Mnemonics
	for _, op := range bytecode.AllOpcodes() {
		name := op.String()
		if strings.HasPrefix(strings.ToLower(name), lowerPrefix) {
			kind := protocol.CompletionItemKindFunction
			detail := fmt.Sprintf("%d operands", op.OperandCount())
			items = append(items, protocol.CompletionItem{
				Label:      name,
				Kind:       &kind,
				Detail:     &detail,
				InsertText: &name,
			})
		}
	}

	// Labels
	var labels []string
	for _, tok := range asm.Tokenize(text) {
		if tok.Type == asm.TokenLabel && strings.HasPrefix(strings.ToLower(tok.Literal), lowerPrefix) {
			labels = append(labels, tok.Literal)
		}
	}
	sort.Strings(labels)
	for _, name := range labels {
		kind := protocol.CompletionItemKindReference
		detail := "label"
		nameCopy := name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &nameCopy,
		})
	}

	return items
}

// hover describes a mnemonic's encoding and stack effect, or a label's
// address.
func hover(text, word string) *protocol.Hover {
	var b strings.Builder

	if op, ok := bytecode.ParseOpcode(word); ok {
		info := bytecode.GetOpcodeInfo(op)
		fmt.Fprintf(&b, "**%s** (opcode %d)\n\n", info.Name, op)
		fmt.Fprintf(&b, "%d operand cells", info.OperandCount)
		switch {
		case info.StackPop < 0:
			fmt.Fprintf(&b, "; pops a variable number of values, pushes %d", info.StackPush)
		case info.StackPop > 0 || info.StackPush > 0:
			fmt.Fprintf(&b, "; pops %d, pushes %d", info.StackPop, info.StackPush)
		}
		return markdown(b.String())
	}

	addr, line, ok := labelAddress(text, word)
	if !ok {
		return nil
	}
	fmt.Fprintf(&b, "**%s**: address %d", word, addr)
	if line > 0 {
		fmt.Fprintf(&b, " (line %d)", line)
	}
	return markdown(b.String())
}

// labelAddress resolves a label by assembling text. Labels still resolve
// when other lines have errors, as long as the label itself was bound.
func labelAddress(text, name string) (addr, line int, ok bool) {
	var defined bool
	for _, tok := range asm.Tokenize(text) {
		if tok.Type == asm.TokenLabel && tok.Literal == name {
			line, defined = tok.Pos.Line, true
			break
		}
	}
	if !defined {
		return 0, 0, false
	}

	obj, err := asm.Assemble(text)
	if err != nil {
		return 0, line, false
	}
	addr, ok = obj.Symbols[name]
	return addr, line, ok
}

func references(uri protocol.DocumentUri, text, name string, includeDecl bool) []protocol.Location {
	var locations []protocol.Location
	for _, tok := range asm.Tokenize(text) {
		if tok.Literal != name {
			continue
		}
		if tok.Type == asm.TokenIdentifier || (includeDecl && tok.Type == asm.TokenLabel) {
			locations = append(locations, tokenLocation(uri, tok))
		}
	}
	return locations
}

func tokenLocation(uri protocol.DocumentUri, tok asm.Token) protocol.Location {
	line := protocol.UInteger(tok.Pos.Line - 1)
	start := protocol.UInteger(tok.Pos.Column - 1)
	return protocol.Location{
		URI: uri,
		Range: protocol.Range{
			Start: protocol.Position{Line: line, Character: start},
			End:   protocol.Position{Line: line, Character: start + protocol.UInteger(len(tok.Literal))},
		},
	}
}

func markdown(s string) *protocol.Hover {
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: s,
		},
	}
}

// --- Diagnostics ---

// diagnose assembles text and converts every error to a diagnostic.
func diagnose(text string) []protocol.Diagnostic {
	_, err := asm.Assemble(text)
	if err == nil {
		return []protocol.Diagnostic{}
	}

	var list asm.ErrorList
	if !errors.As(err, &list) {
		list = asm.ErrorList{{Line: 1, Col: 1, Msg: err.Error()}}
	}

	lines := strings.Split(text, "\n")
	diagnostics := make([]protocol.Diagnostic, 0, len(list))
	for _, e := range list {
		severity := protocol.DiagnosticSeverityError
		source := lspName
		line := protocol.UInteger(max(e.Line-1, 0))
		start := protocol.UInteger(max(e.Col-1, 0))
		end := start
		if int(line) < len(lines) {
			end = protocol.UInteger(len(lines[line]))
		}
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: line, Character: start},
				End:   protocol.Position{Line: line, Character: max(end, start)},
			},
			Severity: &severity,
			Source:   &source,
			Message:  e.Msg,
		})
	}
	return diagnostics
}

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := diagnose(text)
	s.log.Debugf("%s: %d diagnostics", uri, len(diagnostics))

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// --- Text extraction helpers ---

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

// extractPrefix returns the word fragment before the cursor for completion.
// A leading '.' is kept so directives can be completed.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := min(int(pos.Character), len(line))

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}
	if start > 0 && line[start-1] == '.' {
		start--
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := min(int(pos.Character), len(line))

	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}
	end := col
	for end < len(line) && isWordChar(rune(line[end])) {
		end++
	}

	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
