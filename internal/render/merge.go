package render

import (
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
)

// Merge variable names
const (
	VarSubscriberEmail = "subscriber.email"
	VarSubscriberName  = "subscriber.name"
	VarSubscriberTags  = "subscriber.tags"
	VarAddress         = "address"
	VarUnsubscribeLink = "unsubscribe_link"
)

// Vars maps merge variable names to their values.
type Vars map[string]string

// Merge replaces {{ name }} tags in s. Unknown tags render empty. With
// escapeHTML set, values are HTML-escaped before insertion.
func Merge(s string, vars Vars, escapeHTML bool) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	t, err := fasttemplate.NewTemplate(s, "{{", "}}")
	if err != nil {
		return s, fmt.Errorf("parse merge tags: %w", err)
	}

	return t.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		v := vars[strings.TrimSpace(tag)]
		if escapeHTML {
			v = html.EscapeString(v)
		}
		return w.Write([]byte(v))
	}), nil
}
