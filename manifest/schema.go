package manifest

import (
	"bytes"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuetoml "cuelang.org/go/encoding/toml"
)

// ErrInvalid reports a manifest that parses but violates the schema.
var ErrInvalid = errors.New("invalid manifest")

// schema constrains svm.toml. Definitions are closed, so unknown sections
// and keys are rejected along with out-of-range values.
const schema = `
#Manifest: {
	project?: {
		name?:    string
		version?: string
	}
	source?: {
		entry?: =~"\\.(sasm|svmi)$"
	}
	machine?: {
		"stack-capacity"?: int & >0
		globals?:          int & >=0
		"max-steps"?:      int & >=0
	}
	log?: {
		verbosity?: int & >=-4 & <=2
		file?:      string
	}
	trace?: {
		database?: string
	}
	server?: {
		addr?:    string
		workers?: int & >0 & <=256
	}
}
`

// Validate checks TOML manifest data against the schema. path is used in
// error positions only.
func Validate(path string, data []byte) error {
	ctx := cuecontext.New()
	def := ctx.CompileString(schema).LookupPath(cue.ParsePath("#Manifest"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}

	expr, err := cuetoml.NewDecoder(path, bytes.NewReader(data)).Decode()
	if err != nil {
		return fmt.Errorf("parse error in %s: %w", path, err)
	}
	v := def.Unify(ctx.BuildExpr(expr))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w %s:\n%s", ErrInvalid, path, cueerrors.Details(err, nil))
	}
	return nil
}
