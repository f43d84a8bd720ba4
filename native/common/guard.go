package common

import "errors"

var (
	ErrModulePaused = errors.New("module paused")
	ErrUnauthorized = errors.New("caller lacks required role")
)

// PauseView reports whether a module's mutating flows are currently frozen by
// governance.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard aborts an operation when the owning module is paused. A nil view means
// no pause authority is wired and the guard passes.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// RoleView is the external governance collaborator consulted before any
// parameter mutation. Role names are module-scoped strings.
type RoleView interface {
	HasRole(role string, addr []byte) bool
}

// RequireRole aborts when the address does not carry the named role. A nil
// view rejects everything: parameter surfaces must never be open by accident.
func RequireRole(v RoleView, role string, addr []byte) error {
	if v == nil {
		return ErrUnauthorized
	}
	if !v.HasRole(role, addr) {
		return ErrUnauthorized
	}
	return nil
}
