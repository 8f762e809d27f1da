package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrValidation    = errors.New("invalid order parameters")
	ErrInvalidState  = errors.New("invalid order state")
	ErrSlippage      = errors.New("output below minimum")
	ErrInsolvent     = errors.New("balance cannot cover debt")
	ErrExternalCall  = errors.New("external call failed")
	ErrInsufficient  = errors.New("insufficient custody balance")
	ErrLockHeld      = errors.New("lock already held")
	ErrTransfer      = errors.New("transfer not confirmed")
)
