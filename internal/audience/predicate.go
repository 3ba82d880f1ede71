// Package audience compiles a sequence's stored audience filter into a
// predicate that can be evaluated against a user in memory or rendered as a
// SQL condition over the users table.
package audience

import (
	"strings"
	"time"

	"github.com/lalithlochan/dripmail/internal/db"
)

// Predicate is a compiled audience condition.
type Predicate interface {
	Match(u *db.User) bool
	SQL(args *db.Args) string
}

// True matches every user.
type True struct{}

func (True) Match(*db.User) bool { return true }
func (True) SQL(*db.Args) string { return "TRUE" }

// All matches when every member matches.
type All []Predicate

func (p All) Match(u *db.User) bool {
	for _, sub := range p {
		if !sub.Match(u) {
			return false
		}
	}
	return true
}

func (p All) SQL(args *db.Args) string {
	return join(p, " AND ", args)
}

// Any matches when at least one member matches.
type Any []Predicate

func (p Any) Match(u *db.User) bool {
	for _, sub := range p {
		if sub.Match(u) {
			return true
		}
	}
	return false
}

func (p Any) SQL(args *db.Args) string {
	return join(p, " OR ", args)
}

func join(preds []Predicate, sep string, args *db.Args) string {
	parts := make([]string, 0, len(preds))
	for _, sub := range preds {
		parts = append(parts, "("+sub.SQL(args)+")")
	}
	return strings.Join(parts, sep)
}

// EmailOp is a comparison on the user's email address.
type EmailOp int

const (
	EmailIs EmailOp = iota
	EmailContains
	EmailNotContains
)

// Email compares the user's address case-insensitively.
type Email struct {
	Op    EmailOp
	Value string
}

func (p Email) Match(u *db.User) bool {
	email := strings.ToLower(u.Email)
	value := strings.ToLower(p.Value)

	switch p.Op {
	case EmailIs:
		return email == value
	case EmailContains:
		return strings.Contains(email, value)
	case EmailNotContains:
		return !strings.Contains(email, value)
	}
	return false
}

func (p Email) SQL(args *db.Args) string {
	ph := args.Add(p.Value)

	switch p.Op {
	case EmailIs:
		return "lower(u.email) = lower(" + ph + ")"
	case EmailContains:
		return "strpos(lower(u.email), lower(" + ph + ")) > 0"
	default:
		return "strpos(lower(u.email), lower(" + ph + ")) = 0"
	}
}

// Membership tests whether a value is in one of the user's string sets
// (purchases, permissions or tags).
type Membership struct {
	Column string
	Value  string
	Has    bool
}

func (p Membership) values(u *db.User) []string {
	switch p.Column {
	case columnPurchases:
		return u.Purchases
	case columnPermissions:
		return u.Permissions
	case columnTags:
		return u.Tags
	}
	return nil
}

func (p Membership) Match(u *db.User) bool {
	found := false
	for _, v := range p.values(u) {
		if v == p.Value {
			found = true
			break
		}
	}
	return found == p.Has
}

func (p Membership) SQL(args *db.Args) string {
	clause := args.Add(p.Value) + " = ANY(u." + p.Column + ")"
	if !p.Has {
		return "NOT (" + clause + ")"
	}
	return clause
}

// Subscription tests the user's opt-in to updates.
type Subscription struct {
	Subscribed bool
}

func (p Subscription) Match(u *db.User) bool {
	return u.SubscribedToUpdates == p.Subscribed
}

func (p Subscription) SQL(*db.Args) string {
	if p.Subscribed {
		return "u.subscribed_to_updates = TRUE"
	}
	return "u.subscribed_to_updates = FALSE"
}

// DateOp positions a timestamp relative to a UTC calendar day.
type DateOp int

const (
	DateOn DateOp = iota
	DateBefore
	DateAfter
)

// Date compares a user timestamp against the UTC day starting at Day.
// On is [Day, Day+1), Before is < Day and After is >= Day+1.
// A user without the timestamp never matches.
type Date struct {
	Column string
	Op     DateOp
	Day    time.Time
}

func (p Date) value(u *db.User) *time.Time {
	switch p.Column {
	case columnLastActive:
		return u.LastActive
	case columnCreatedAt:
		t := u.CreatedAt
		return &t
	}
	return nil
}

func (p Date) Match(u *db.User) bool {
	t := p.value(u)
	if t == nil {
		return false
	}
	start := p.Day
	end := start.AddDate(0, 0, 1)

	switch p.Op {
	case DateOn:
		return !t.Before(start) && t.Before(end)
	case DateBefore:
		return t.Before(start)
	case DateAfter:
		return !t.Before(end)
	}
	return false
}

func (p Date) SQL(args *db.Args) string {
	col := "u." + p.Column
	start := p.Day
	end := start.AddDate(0, 0, 1)

	switch p.Op {
	case DateOn:
		return col + " >= " + args.Add(start) + " AND " + col + " < " + args.Add(end)
	case DateBefore:
		return col + " < " + args.Add(start)
	default:
		return col + " >= " + args.Add(end)
	}
}
