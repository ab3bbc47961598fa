package gcp

import (
	"cmp"
	"slices"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/pkg"
)

// Registry executes commands.
type Registry interface {
	// Dispatch runs verb of class with args, writing the response into
	// response and returning its length. A returned error carrying an
	// [Error] code is reported to the host with that code.
	Dispatch(class ClassID, verb uint32, args, response []byte) (int, error)
}

// Handler executes one verb.
type Handler func(args, response []byte) (int, error)

// Verb is a numbered command of a class.
type Verb struct {
	Number uint32
	Name   string

	// InSignature and OutSignature describe the argument and response
	// layouts, in the struct format notation host tools use.
	InSignature  string
	OutSignature string

	Handler Handler
}

// Class is a named set of verbs.
type Class struct {
	ID    ClassID
	Name  string
	Verbs []Verb
}

// Verb returns the verb with the given number.
func (c *Class) Verb(number uint32) (*Verb, bool) {
	for i := range c.Verbs {
		if c.Verbs[i].Number == number {
			return &c.Verbs[i], true
		}
	}
	return nil, false
}

// Classes is a Registry over a fixed set of classes.
type Classes struct {
	classes []Class
}

// NewClasses returns an empty class set.
func NewClasses() *Classes {
	return &Classes{}
}

// Register adds class to the set. Class IDs must be unique.
func (c *Classes) Register(class Class) error {
	if _, ok := c.Class(class.ID); ok {
		return errors.Wrapf(pkg.ErrInvalidParameter, "class %s already registered", class.ID)
	}
	c.classes = append(c.classes, class)
	slices.SortFunc(c.classes, func(a, b Class) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return nil
}

// Class returns the class with the given ID.
func (c *Classes) Class(id ClassID) (*Class, bool) {
	for i := range c.classes {
		if c.classes[i].ID == id {
			return &c.classes[i], true
		}
	}
	return nil, false
}

// IDs returns the registered class IDs in ascending order.
func (c *Classes) IDs() []ClassID {
	ids := make([]ClassID, len(c.classes))
	for i := range c.classes {
		ids[i] = c.classes[i].ID
	}
	return ids
}

// Dispatch implements Registry. Unknown classes and verbs yield
// ErrInvalidArgument.
func (c *Classes) Dispatch(class ClassID, verb uint32, args, response []byte) (int, error) {
	cls, ok := c.Class(class)
	if !ok {
		pkg.LogError(pkg.ComponentVendor, "class not found", "class", class)
		return 0, ErrInvalidArgument
	}
	v, ok := cls.Verb(verb)
	if !ok || v.Handler == nil {
		pkg.LogError(pkg.ComponentVendor, "verb not found", "class", class, "verb", verb)
		return 0, ErrInvalidArgument
	}
	n, err := v.Handler(args, response)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > len(response) {
		return 0, ErrMessageTooLong
	}
	return n, nil
}

var _ Registry = (*Classes)(nil)
