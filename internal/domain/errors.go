package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type ConflictReason string

const (
	ConflictOutOfStock              ConflictReason = "OutOfStock"
	ConflictDisabledByTenant        ConflictReason = "DisabledByTenant"
	ConflictDisabledByStore         ConflictReason = "DisabledByStore"
	ConflictManualUnavailable       ConflictReason = "ManualUnavailable"
	ConflictShiftAlreadyOpen        ConflictReason = "ShiftAlreadyOpen"
	ConflictCloseReasonRequired     ConflictReason = "CloseReasonRequired"
	ConflictNegativeStockNotAllowed ConflictReason = "NegativeStockNotAllowed"
	ConflictNotInventoryTracked     ConflictReason = "NotInventoryTracked"
	ConflictShiftNotOpen            ConflictReason = "ShiftNotOpen"
	ConflictShiftClosed             ConflictReason = "ShiftClosed"
	ConflictSaleAlreadyVoided       ConflictReason = "SaleAlreadyVoided"
	ConflictConcurrentUpdate        ConflictReason = "ConcurrentUpdate"
)

// Conflict is a business-rule rejection. Item fields are set when a specific
// catalog item caused it.
type Conflict struct {
	Reason       ConflictReason   `json:"reason"`
	ItemType     ItemType         `json:"item_type,omitempty"`
	ItemID       string           `json:"item_id,omitempty"`
	ItemName     string           `json:"item_name,omitempty"`
	AvailableQty *decimal.Decimal `json:"available_qty,omitempty"`
	Message      string           `json:"message,omitempty"`
	Retryable    bool             `json:"retryable,omitempty"`
}

func (c *Conflict) Error() string {
	if c.ItemID != "" {
		if c.ItemName != "" {
			return fmt.Sprintf("%s: %s %s (%s)", c.Reason, c.ItemType, c.ItemID, c.ItemName)
		}
		return fmt.Sprintf("%s: %s %s", c.Reason, c.ItemType, c.ItemID)
	}
	if c.Message != "" {
		return fmt.Sprintf("%s: %s", c.Reason, c.Message)
	}
	return string(c.Reason)
}

// ItemConflict builds a conflict for a catalog item, mapping an availability
// reason onto the conflict taxonomy.
func ItemConflict(reason AvailabilityReason, item CatalogItem) *Conflict {
	return &Conflict{
		Reason:   ConflictReason(reason),
		ItemType: item.Type,
		ItemID:   item.ID,
		ItemName: item.Name,
	}
}

type ValidationReason string

const (
	ValidationInvalidRequest  ValidationReason = "InvalidRequest"
	ValidationInvalidReason   ValidationReason = "InvalidReason"
	ValidationZeroDelta       ValidationReason = "ZeroDelta"
	ValidationPaymentMismatch ValidationReason = "PaymentMismatch"
)

type ValidationError struct {
	Reason  ValidationReason `json:"reason"`
	Field   string           `json:"field,omitempty"`
	Message string           `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Reason, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func Invalid(field string, message string) *ValidationError {
	return &ValidationError{Reason: ValidationInvalidRequest, Field: field, Message: message}
}
