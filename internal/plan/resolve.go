package plan

import (
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

// ResolvePrompt replaces every {name} placeholder whose name is a published
// output. Placeholders naming unknown outputs are left as literal text and
// reported in unresolved, once per name, in order of first appearance.
func ResolvePrompt(tmpl string, outputs *Outputs) (resolved string, unresolved []string) {
	seen := map[string]bool{}
	resolved = placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := outputs.Get(name); ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			unresolved = append(unresolved, name)
		}
		return m
	})
	return resolved, unresolved
}

// ResolveArguments resolves output references in tool arguments.
//
// A string value equal to a published output name is replaced by that output
// as a whole; otherwise {name} placeholders inside it are substituted. Nested
// maps and slices are walked. The input map is never modified.
func ResolveArguments(args map[string]any, outputs *Outputs) (map[string]any, []string) {
	if args == nil {
		return nil, nil
	}
	r := &argResolver{outputs: outputs, seen: map[string]bool{}}
	out := r.resolveMap(args)
	return out, r.unresolved
}

type argResolver struct {
	outputs    *Outputs
	seen       map[string]bool
	unresolved []string
}

func (r *argResolver) resolveMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.resolveValue(v)
	}
	return out
}

func (r *argResolver) resolveValue(v any) any {
	switch val := v.(type) {
	case string:
		if whole, ok := r.outputs.Get(val); ok {
			return whole
		}
		s, missing := ResolvePrompt(val, r.outputs)
		for _, name := range missing {
			if !r.seen[name] {
				r.seen[name] = true
				r.unresolved = append(r.unresolved, name)
			}
		}
		return s
	case map[string]any:
		return r.resolveMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.resolveValue(item)
		}
		return out
	default:
		return v
	}
}

// MissingRefs returns the entries of refs that have not been published.
func MissingRefs(refs []string, outputs *Outputs) []string {
	var missing []string
	for _, ref := range refs {
		if !outputs.Has(ref) {
			missing = append(missing, ref)
		}
	}
	return missing
}

// ConsumesOutputs reports whether the step reads published outputs, either
// through input_refs, a {name} placeholder, or an argument naming an output.
// Such a step can produce a different result when a loop re-enters it.
func (s *Step) ConsumesOutputs(outputs *Outputs) bool {
	if len(s.InputRefs) > 0 || placeholderRe.MatchString(s.Prompt) {
		return true
	}
	return argsReference(s.Arguments, outputs)
}

func argsReference(v any, outputs *Outputs) bool {
	switch val := v.(type) {
	case string:
		return outputs.Has(val) || placeholderRe.MatchString(val)
	case map[string]any:
		for _, item := range val {
			if argsReference(item, outputs) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if argsReference(item, outputs) {
				return true
			}
		}
	}
	return false
}
