// Package scope defines the OAuth scopes a grove client may request.
//
// Scopes are "object:action". A grant of "object:*" covers every action on
// that object and "*" covers everything. The dotted form "blog.read" is
// accepted as an alias.
package scope

import (
	"errors"
	"slices"
	"strings"
)

type Scope string

var ErrInvalidScope = errors.New("invalid_scope")

const (
	ScopeProfileRead Scope = "profile:read"

	ScopeBlogRead    Scope = "blog:read"
	ScopeBlogWrite   Scope = "blog:write"
	ScopeBlogPublish Scope = "blog:publish"

	ScopePostsRead  Scope = "posts:read"
	ScopePostsWrite Scope = "posts:write"

	ScopeCommentsWrite    Scope = "comments:write"
	ScopeCommentsModerate Scope = "comments:moderate"

	ScopeSessionsManage Scope = "sessions:manage"
)

const wildcard = "*"

// catalog maps each object to its known actions.
var catalog = map[string][]string{}

func init() {
	for _, s := range All() {
		obj, action := split(s)
		catalog[obj] = append(catalog[obj], action)
	}
}

func All() []string {
	return []string{
		string(ScopeProfileRead),
		string(ScopeBlogRead),
		string(ScopeBlogWrite),
		string(ScopeBlogPublish),
		string(ScopePostsRead),
		string(ScopePostsWrite),
		string(ScopeCommentsWrite),
		string(ScopeCommentsModerate),
		string(ScopeSessionsManage),
	}
}

// Has reports whether granted covers required.
func Has(granted []string, required Scope) bool {
	wantObj, wantAction := split(canonical(string(required)))
	if wantObj == "" {
		return false
	}
	for _, g := range granted {
		g = canonical(g)
		if g == wildcard {
			return true
		}
		obj, action := split(g)
		if obj == wantObj && (action == wantAction || action == wildcard) {
			return true
		}
	}
	return false
}

// Validate accepts known scopes and "object:*" over known objects.
func Validate(scopes []string) error {
	for _, s := range Normalize(scopes) {
		obj, action := split(s)
		actions, ok := catalog[obj]
		if !ok || (action != wildcard && !slices.Contains(actions, action)) {
			return ErrInvalidScope
		}
	}
	return nil
}

func IsValid(s string) bool {
	obj, action := split(canonical(s))
	return action != wildcard && slices.Contains(catalog[obj], action)
}

// Normalize canonicalizes, drops blanks and removes duplicates, keeping the
// first occurrence order.
func Normalize(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = canonical(s); s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func canonical(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), ".", ":")
}

// split returns ("", "") for anything that is not object:action.
func split(s string) (object, action string) {
	object, action, ok := strings.Cut(s, ":")
	if !ok || object == "" || action == "" {
		return "", ""
	}
	return object, action
}
