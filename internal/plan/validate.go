package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rahul/stepwise/internal/progress"
)

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError is a single problem found in a plan document.
type ValidationError struct {
	Phase    string `json:"phase"` // schema, semantic
	Path     string `json:"path"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

// JoinErrors renders the error-severity entries on one line.
func JoinErrors(errs []*ValidationError) string {
	var parts []string
	for _, e := range errs {
		if e.Severity == SeverityError {
			parts = append(parts, e.Error())
		}
	}
	return strings.Join(parts, "; ")
}

// GenerateJSONSchema reflects the plan document JSON Schema from Document.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&Document{})
	s.ID = "https://github.com/rahul/stepwise/schemas/plan-v1.json"
	s.Title = "Stepwise plan document"
	s.Description = "Ordered steps executed by the stepwise engine"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

var (
	compileOnce    sync.Once
	compiledSchema *sjsonschema.Schema
	compileErr     error
)

func planSchema() (*sjsonschema.Schema, error) {
	compileOnce.Do(func() {
		raw, err := GenerateJSONSchema()
		if err != nil {
			compileErr = err
			return
		}
		var schemaDoc interface{}
		if err := json.Unmarshal(raw, &schemaDoc); err != nil {
			compileErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource("plan-v1.json", schemaDoc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("plan-v1.json")
	})
	return compiledSchema, compileErr
}

// Validate checks a plan document against the schema and the structural
// rules the engine relies on. Warnings do not make a plan unrunnable.
func Validate(doc *Document) []*ValidationError {
	if doc == nil {
		return []*ValidationError{{Phase: "schema", Message: "document is nil", Severity: SeverityError}}
	}
	errs := validateSchema(doc)
	return append(errs, validateSemantic(doc)...)
}

func validateSchema(doc *Document) []*ValidationError {
	fail := func(msg string, args ...any) []*ValidationError {
		return []*ValidationError{{Phase: "schema", Message: fmt.Sprintf(msg, args...), Severity: SeverityError}}
	}

	sch, err := planSchema()
	if err != nil {
		return fail("compile schema: %v", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fail("marshal for schema validation: %v", err)
	}
	var inst interface{}
	if err := json.Unmarshal(data, &inst); err != nil {
		return fail("unmarshal document: %v", err)
	}

	if err := sch.Validate(inst); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return fail("%v", err)
		}
		var errs []*ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			errs = append(errs, &ValidationError{
				Phase:    "schema",
				Path:     strings.Join(cause.InstanceLocation, "/"),
				Message:  fmt.Sprintf("%v", cause.ErrorKind),
				Severity: SeverityError,
			})
		}
		return errs
	}
	return nil
}

func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

func validateSemantic(doc *Document) []*ValidationError {
	var errs []*ValidationError
	add := func(path, severity, msg string, args ...any) {
		errs = append(errs, &ValidationError{
			Phase:    "semantic",
			Path:     path,
			Message:  fmt.Sprintf(msg, args...),
			Severity: severity,
		})
	}

	if len(doc.Plan) == 0 {
		add("plan", SeverityError, "plan must contain at least one step")
		return errs
	}

	ids := make(map[string]int, len(doc.Plan))
	for i, s := range doc.Plan {
		if s.ID == "" {
			continue
		}
		if first, dup := ids[s.ID]; dup {
			add(fmt.Sprintf("plan[%d].id", i), SeverityError, "duplicate step id %q (first used at plan[%d])", s.ID, first)
			continue
		}
		ids[s.ID] = i
	}

	produced := map[string]bool{}
	hasEnd := false
	for i, s := range doc.Plan {
		path := fmt.Sprintf("plan[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			add(path+".id", SeverityError, "step id is required")
		} else if s.ID == progress.RunStepID {
			add(path+".id", SeverityError, "step id %q is reserved for run-level events", s.ID)
		}
		kind, err := ParseKind(s.Type)
		if err != nil {
			add(path+".type", SeverityError, "%v", err)
			continue
		}

		switch kind {
		case KindDelegate:
			if strings.TrimSpace(s.Prompt) == "" {
				add(path+".prompt", SeverityError, "llm step requires a prompt")
			}
		case KindTool:
			if strings.TrimSpace(s.ToolName) == "" {
				add(path+".tool_name", SeverityError, "tool step requires tool_name")
			}
		case KindBranch:
			if _, err := ParseCondition(s.Condition); err != nil {
				add(path+".condition", SeverityError, "%v", err)
			}
			checkTarget(add, path, s.GotoID, ids)
		case KindJump:
			checkTarget(add, path, s.GotoID, ids)
		case KindEnd:
			hasEnd = true
		}

		for _, ref := range s.InputRefs {
			if !produced[ref] {
				add(path+".input_refs", SeverityWarning, "input %q is not produced by an earlier step", ref)
			}
		}
		if s.OutputName != "" {
			produced[s.OutputName] = true
		}
	}

	if !hasEnd {
		add("plan", SeverityWarning, "plan has no end step")
	}
	return errs
}

func checkTarget(add func(path, severity, msg string, args ...any), path, target string, ids map[string]int) {
	if target == "" {
		add(path+".goto_id", SeverityError, "goto_id is required")
		return
	}
	if _, ok := ids[target]; !ok {
		add(path+".goto_id", SeverityError, "goto_id %q does not name a step", target)
	}
}
