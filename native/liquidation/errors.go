package liquidation

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized       = errors.New("liquidation queue: unauthorized")
	ErrInvalidAsset       = errors.New("liquidation queue: invalid asset")
	ErrInvalidPremium     = errors.New("liquidation queue: invalid premium")
	ErrInsufficientBids   = errors.New("liquidation queue: insufficient bids to cover collateral")
	ErrDuplicateQueue     = errors.New("liquidation queue: queue already exists")
	ErrInvalidFunds       = errors.New("liquidation queue: funds must be a single positive stable coin")
	ErrInvalidAmount      = errors.New("liquidation queue: amount must be positive")
	ErrInvalidPrice       = errors.New("liquidation queue: price must be positive")
	ErrBidNotFound        = errors.New("liquidation queue: bid not found")
	ErrRetractExceedsBid  = errors.New("liquidation queue: retract amount exceeds bid")
	ErrBidWaiting         = errors.New("liquidation queue: bid still in waiting period")
	ErrBidAlreadyActive   = errors.New("liquidation queue: bid already active")
	ErrDuplicateBidID     = errors.New("liquidation queue: duplicate bid id")
	ErrNotInitialised     = errors.New("liquidation queue: module not initialised")
	ErrArithmeticOverflow = errors.New("liquidation queue: arithmetic overflow")
	ErrDivideByZero       = errors.New("liquidation queue: division by zero")
	ErrInvalidParams      = errors.New("liquidation queue: invalid params")
)

var (
	errNilState          = errors.New("liquidation queue: state not configured")
	errEmptySlot         = errors.New("liquidation queue: offset against empty slot")
	errOffsetExceedsSlot = errors.New("liquidation queue: offset exceeds slot capital")
	errInvalidFee        = fmt.Errorf("%w: fees must sum below 1", ErrInvalidParams)
)
