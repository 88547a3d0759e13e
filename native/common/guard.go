package common

import (
	ethcommon "github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
)

// Module names used for pause flags.
const (
	ModulePrepaid = "prepaid"
	ModuleRevenue = "revenue"
	ModuleOracle  = "oracle"
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return cerrors.Wrap(cerrors.ErrModulePaused, "%s", module)
	}
	return nil
}

// RoleView exposes role membership.
type RoleView interface {
	HasRole(role string, addr ethcommon.Address) bool
}

// Authorizer gates privileged operations behind a single role.
type Authorizer struct {
	roles RoleView
	role  string
}

// NewAuthorizer returns an Authorizer checking membership of role.
func NewAuthorizer(roles RoleView, role string) Authorizer {
	return Authorizer{roles: roles, role: role}
}

// Role returns the role checked by the authorizer.
func (a Authorizer) Role() string { return a.role }

// Require fails unless caller holds the role.
func (a Authorizer) Require(caller ethcommon.Address) error {
	if a.roles == nil || a.role == "" {
		return cerrors.Wrap(cerrors.ErrNotConfigured, "authorizer has no role source")
	}
	if !a.roles.HasRole(a.role, caller) {
		return cerrors.Wrap(cerrors.ErrUnauthorized, "%s lacks %s", caller.Hex(), a.role)
	}
	return nil
}
