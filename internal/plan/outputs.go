package plan

import (
	"errors"
	"fmt"
)

const (
	DefaultMaxOutputs     = 256
	DefaultMaxOutputBytes = 1 << 20
)

var (
	ErrOutputsFull   = errors.New("outputs store is full")
	ErrValueTooLarge = errors.New("output value too large")
)

// Outputs holds the named string results published by steps.
//
// The last writer wins. Publish order is tracked so the most recently
// published value can be recovered; republishing a name moves it to the end.
// The store belongs to a single run and is not safe for concurrent use.
type Outputs struct {
	maxEntries    int
	maxValueBytes int

	values map[string]string
	order  []string
}

// NewOutputs returns a store with the default limits.
func NewOutputs() *Outputs {
	return NewBoundedOutputs(DefaultMaxOutputs, DefaultMaxOutputBytes)
}

// NewBoundedOutputs returns a store holding at most maxEntries names with
// values of at most maxValueBytes. Zero disables a limit.
func NewBoundedOutputs(maxEntries, maxValueBytes int) *Outputs {
	return &Outputs{
		maxEntries:    maxEntries,
		maxValueBytes: maxValueBytes,
		values:        make(map[string]string),
	}
}

// Publish stores value under name.
func (o *Outputs) Publish(name, value string) error {
	if name == "" {
		return errors.New("output name must not be empty")
	}
	if o.maxValueBytes > 0 && len(value) > o.maxValueBytes {
		return fmt.Errorf("%w: %q is %d bytes, limit %d", ErrValueTooLarge, name, len(value), o.maxValueBytes)
	}
	if _, exists := o.values[name]; exists {
		o.unlink(name)
	} else if o.maxEntries > 0 && len(o.values) >= o.maxEntries {
		return fmt.Errorf("%w: cannot add %q, limit %d", ErrOutputsFull, name, o.maxEntries)
	}
	o.values[name] = value
	o.order = append(o.order, name)
	return nil
}

func (o *Outputs) unlink(name string) {
	for i, n := range o.order {
		if n == name {
			o.order = append(o.order[:i], o.order[i+1:]...)
			return
		}
	}
}

// Get returns the value published under name.
func (o *Outputs) Get(name string) (string, bool) {
	v, ok := o.values[name]
	return v, ok
}

// Has reports whether name has been published.
func (o *Outputs) Has(name string) bool {
	_, ok := o.values[name]
	return ok
}

// Last returns the most recently published entry.
func (o *Outputs) Last() (name, value string, ok bool) {
	if len(o.order) == 0 {
		return "", "", false
	}
	name = o.order[len(o.order)-1]
	return name, o.values[name], true
}

// Names returns output names in publish order.
func (o *Outputs) Names() []string {
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// Snapshot returns a copy of the current values.
func (o *Outputs) Snapshot() map[string]string {
	out := make(map[string]string, len(o.values))
	for k, v := range o.values {
		out[k] = v
	}
	return out
}

// Len returns the number of published names.
func (o *Outputs) Len() int { return len(o.values) }
