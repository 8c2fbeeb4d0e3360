package harness

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

type compiledSchema struct {
	ctx      *cue.Context
	scenario cue.Value
}

var loadSchema = sync.OnceValues(func() (*compiledSchema, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	def := value.LookupPath(cue.ParsePath("#Scenario"))
	if !def.Exists() {
		return nil, fmt.Errorf("schema has no #Scenario definition")
	}
	return &compiledSchema{ctx: ctx, scenario: def}, nil
})

// validateSchema checks raw scenario YAML against the embedded CUE schema.
func validateSchema(data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	value := schema.scenario.Unify(schema.ctx.Encode(doc))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}
