package health

// Checker is implemented by anything whose readiness can be probed, e.g. a document store.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function to a Checker.
type CheckerFunc func() error

func (f CheckerFunc) Check() error { return f() }
