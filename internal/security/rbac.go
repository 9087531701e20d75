package security

import (
	"net/http"
	"strings"
)

// Roles
const (
	// RoleOwner may do everything, including clearing the queue.
	RoleOwner = "owner"
	// RoleApp may enqueue actions and force syncs.
	RoleApp = "app"
	// RoleReadonly may only read status and the pending queue.
	RoleReadonly = "readonly"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleOwner, RoleApp, RoleReadonly}

// ValidRole reports whether role is known.
func ValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// routePermission defines which roles can access a method+path pattern.
type routePermission struct {
	Method  string // HTTP method, "*" for any
	Pattern string // exact path, or prefix when it ends in "/"
	Roles   []string
}

// permissions is checked in order; the first match decides.
var permissions = []routePermission{
	{Method: http.MethodPost, Pattern: "/api/queue", Roles: []string{RoleOwner, RoleApp}},
	{Method: http.MethodPost, Pattern: "/api/sync", Roles: []string{RoleOwner, RoleApp}},
	{Method: http.MethodDelete, Pattern: "/api/queue", Roles: []string{RoleOwner}},
	{Method: http.MethodGet, Pattern: "/api/", Roles: []string{RoleOwner, RoleApp, RoleReadonly}},
	{Method: http.MethodGet, Pattern: "/metrics", Roles: []string{RoleOwner, RoleApp, RoleReadonly}},
	{Method: "*", Pattern: "/api/", Roles: []string{RoleOwner}},
}

// CheckPermission reports whether role may call method on path. Owner always
// has access.
func CheckPermission(role, method, path string) bool {
	if role == RoleOwner {
		return true
	}

	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	for _, perm := range permissions {
		if !matchRoute(perm.Pattern, path) || (perm.Method != "*" && perm.Method != method) {
			continue
		}
		for _, r := range perm.Roles {
			if r == role {
				return true
			}
		}
		return false
	}
	return false
}

func matchRoute(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/") {
		return path+"/" == pattern || strings.HasPrefix(path, pattern)
	}
	return path == pattern
}
