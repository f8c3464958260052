package domain

import "errors"

var (
	ErrNameInvalid     = errors.New("display name invalid")
	ErrNameTaken       = errors.New("display name already taken")
	ErrTargetNotFound  = errors.New("target not found")
	ErrTargetBusy      = errors.New("target already in a call")
	ErrSelfCall        = errors.New("cannot call yourself")
	ErrNoActiveSession = errors.New("no active call session")
)
