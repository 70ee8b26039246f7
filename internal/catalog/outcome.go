package catalog

import "fmt"

// Outcome is the result of applying one entry. It is a closed set:
// Applied, Rejected and Ignored are the only implementations.
type Outcome interface {
	outcome()
}

// Applied means the handler changed state. Tables lists the state tables it
// touched in addition to the group's declared reactivity.
type Applied struct {
	Tables []string
}

// Rejected means the entry was well-formed but the handler declined it, or
// the payload failed validation. The entry is skipped permanently.
type Rejected struct {
	Reason string
}

// Ignored means no definition is registered for the entry's tag.
type Ignored struct {
	Tag string
}

func (Applied) outcome()  {}
func (Rejected) outcome() {}
func (Ignored) outcome()  {}

// Describe renders an outcome for logs and traces.
func Describe(o Outcome) string {
	switch o := o.(type) {
	case Applied:
		return fmt.Sprintf("applied %v", o.Tables)
	case Rejected:
		return "rejected: " + o.Reason
	case Ignored:
		return "ignored tag " + o.Tag
	default:
		panic(fmt.Sprintf("catalog: unknown outcome %T", o))
	}
}
