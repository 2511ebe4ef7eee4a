package service

import "tokoledger/backend/internal/domain"

// Authorizer is the boolean gate consulted before voids and manual
// inventory adjustments.
type Authorizer interface {
	CanVoid(actor domain.Actor, sale domain.Sale) bool
	CanAdjustInventory(actor domain.Actor, storeID string) bool
}

// RoleAuthorizer lets admins void any sale and cashiers only their own.
// Inventory adjustments are admin only.
type RoleAuthorizer struct{}

func (RoleAuthorizer) CanVoid(actor domain.Actor, sale domain.Sale) bool {
	switch actor.Role {
	case domain.RoleAdmin:
		return true
	case domain.RoleCashier:
		return actor.Username != "" && actor.Username == sale.CreatedBy
	default:
		return false
	}
}

func (RoleAuthorizer) CanAdjustInventory(actor domain.Actor, _ string) bool {
	return actor.Role == domain.RoleAdmin
}
