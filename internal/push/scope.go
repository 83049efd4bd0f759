package push

import (
	"sort"
	"strings"
)

// Identity is who a connection was authenticated as.
type Identity struct {
	Subject string
	Branch  string
}

type scopeKind int

const (
	scopeGlobal scopeKind = iota
	scopeSubject
	scopeBranches
)

// Scope selects the subscribers an envelope is delivered to.
type Scope struct {
	kind     scopeKind
	subject  string
	branches map[string]bool
}

// Global delivers to every subscriber.
func Global() Scope { return Scope{kind: scopeGlobal} }

// ToSubject delivers to every connection of one subject.
func ToSubject(subject string) Scope {
	return Scope{kind: scopeSubject, subject: subject}
}

// ToBranches delivers to subscribers in any of the branches. With no
// branches it matches nobody.
func ToBranches(branches ...string) Scope {
	set := make(map[string]bool, len(branches))
	for _, b := range branches {
		set[b] = true
	}
	return Scope{kind: scopeBranches, branches: set}
}

// Matches reports whether id is in the scope.
func (s Scope) Matches(id Identity) bool {
	switch s.kind {
	case scopeSubject:
		return id.Subject == s.subject
	case scopeBranches:
		return s.branches[id.Branch]
	default:
		return true
	}
}

// String is used in logs.
func (s Scope) String() string {
	switch s.kind {
	case scopeSubject:
		return "subject:" + s.subject
	case scopeBranches:
		return "branches:" + strings.Join(s.branchList(), ",")
	default:
		return "global"
	}
}

func (s Scope) branchList() []string {
	out := make([]string, 0, len(s.branches))
	for b := range s.branches {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// scopeSpec is the wire form of a Scope for the backplane.
type scopeSpec struct {
	Kind     string   `json:"kind"`
	Subject  string   `json:"subject,omitempty"`
	Branches []string `json:"branches,omitempty"`
}

func (s Scope) spec() scopeSpec {
	switch s.kind {
	case scopeSubject:
		return scopeSpec{Kind: "subject", Subject: s.subject}
	case scopeBranches:
		return scopeSpec{Kind: "branches", Branches: s.branchList()}
	default:
		return scopeSpec{Kind: "global"}
	}
}

func (sp scopeSpec) scope() Scope {
	switch sp.Kind {
	case "subject":
		return ToSubject(sp.Subject)
	case "branches":
		return ToBranches(sp.Branches...)
	default:
		return Global()
	}
}
