package db

import "fmt"

// Args collects positional parameters while a SQL fragment is being built,
// handing back the $n placeholder for each value added.
type Args struct {
	values []interface{}
}

// NewArgs starts a parameter list pre-filled with values, so fragments
// appended later continue numbering after them.
func NewArgs(values ...interface{}) *Args {
	return &Args{values: values}
}

// Add appends v and returns its placeholder.
func (a *Args) Add(v interface{}) string {
	a.values = append(a.values, v)
	return fmt.Sprintf("$%d", len(a.values))
}

// Values returns the collected parameters in placeholder order.
func (a *Args) Values() []interface{} {
	return a.values
}

// Clause is a SQL boolean expression over the users table.
type Clause interface {
	SQL(args *Args) string
}
