package models

import "errors"

// Error taxonomy shared by the store, billing engine, session manager and
// monitor. Callers branch with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrBackendUnavailable  = errors.New("backend unavailable")

	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrQuotaExceeded       = errors.New("quota exceeded")

	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTimeout             = errors.New("timeout")
	ErrInvalidInput        = errors.New("invalid input")

	ErrBillingExists        = errors.New("session billing already exists")
	ErrBillingNotActive     = errors.New("session billing not active")
	ErrBelowMinimumPurchase = errors.New("purchase below minimum amount")

	ErrTemplateNotFound = errors.New("template not found")
)
