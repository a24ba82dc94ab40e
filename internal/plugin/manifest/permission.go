package manifest

import "strings"

// Permission names one capability a plugin asks the host for.
// Custom permissions use the "custom:<name>" form and carry
// host-defined semantics.
type Permission string

const (
	PermDatabaseRead  Permission = "database_read"
	PermDatabaseWrite Permission = "database_write"
	PermFileRead      Permission = "file_read"
	PermFileWrite     Permission = "file_write"
	PermNetwork       Permission = "network"
	PermSystem        Permission = "system"
	PermShell         Permission = "shell"
	PermEnvironment   Permission = "environment"
)

const customPrefix = "custom:"

// CustomPermission builds a custom permission from a name.
func CustomPermission(name string) Permission {
	return Permission(customPrefix + name)
}

// IsCustom reports whether the permission is host-defined.
func (p Permission) IsCustom() bool {
	return strings.HasPrefix(string(p), customPrefix)
}

// CustomName returns the name of a custom permission, "" otherwise.
func (p Permission) CustomName() string {
	if !p.IsCustom() {
		return ""
	}
	return strings.TrimPrefix(string(p), customPrefix)
}

// Known reports whether the permission is one the host understands.
func (p Permission) Known() bool {
	switch p {
	case PermDatabaseRead, PermDatabaseWrite, PermFileRead, PermFileWrite,
		PermNetwork, PermSystem, PermShell, PermEnvironment:
		return true
	}
	return p.IsCustom() && p.CustomName() != ""
}

// Dangerous reports whether the permission is granted only to
// allowlisted plugins.
func (p Permission) Dangerous() bool {
	return p == PermShell || p == PermSystem
}
