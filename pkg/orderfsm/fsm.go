package orderfsm

import (
	"errors"

	"ledgersync/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid order stage transition")
	// ErrChainManaged is returned when an admin edit touches a field the
	// ledger owns for chain-linked orders.
	ErrChainManaged = errors.New("chain_managed_field")
	ErrUnknownStage = errors.New("unknown order stage")
)

func ValidStage(stage string) bool {
	switch stage {
	case models.StagePending, models.StageConfirmed, models.StageInProgress, models.StageCompleted, models.StageCancelled:
		return true
	default:
		return false
	}
}

// CanTransition is the manual/app stage machine. Chain-linked orders bypass
// it: their stage is derived from the ledger status instead.
func CanTransition(from, to string) bool {
	if from == to {
		return ValidStage(from)
	}
	switch from {
	case models.StagePending:
		return to == models.StageConfirmed || to == models.StageCancelled
	case models.StageConfirmed:
		return to == models.StageInProgress || to == models.StageCancelled
	case models.StageInProgress:
		return to == models.StageCompleted || to == models.StageCancelled
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !ValidStage(to) {
		return from, ErrUnknownStage
	}
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(stage string) bool {
	return stage == models.StageCompleted || stage == models.StageCancelled
}

// FromChainStatus maps a ledger status to the local stage and payment state.
func FromChainStatus(status int) (stage string, payment string) {
	switch status {
	case models.ChainStatusCreated:
		return models.StagePending, models.PaymentUnpaid
	case models.ChainStatusPaid:
		return models.StageConfirmed, models.PaymentPaid
	case models.ChainStatusClaimed, models.ChainStatusDepositLocked, models.ChainStatusCompleted, models.ChainStatusDisputed:
		return models.StageInProgress, models.PaymentPaid
	case models.ChainStatusFinalized:
		return models.StageCompleted, models.PaymentSettled
	case models.ChainStatusCancelled:
		return models.StageCancelled, models.PaymentCancelled
	default:
		return models.StagePending, models.PaymentUnpaid
	}
}

// IsRegression reports whether next moves the order backwards relative to the
// mirrored status. Cancelled is reachable from every non-final status.
func IsRegression(mirrored *int, next int) bool {
	if mirrored == nil {
		return false
	}
	prev := *mirrored
	if prev == models.ChainStatusCancelled || prev == models.ChainStatusFinalized {
		return next != prev
	}
	return next < prev
}

// AdminPatch is a manual edit from the admin dashboard. Nil fields are untouched.
type AdminPatch struct {
	Stage         *string
	PaymentStatus *string
	ChainStatus   *int
	Meta          map[string]any
}

func (p AdminPatch) touchesChainFields() bool {
	return p.Stage != nil || p.PaymentStatus != nil || p.ChainStatus != nil
}

// GuardAdminEdit enforces that once an order is chain-linked only the sync
// path may write its lifecycle fields.
func GuardAdminEdit(current models.LocalOrderRecord, patch AdminPatch) error {
	if current.ChainLinked() && patch.touchesChainFields() {
		return ErrChainManaged
	}
	if patch.Stage != nil {
		if _, err := Transition(current.Stage, *patch.Stage); err != nil {
			return err
		}
	}
	return nil
}
