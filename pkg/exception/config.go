package exception

import "errors"

var (
	ErrConfigInvalid  = errors.New("config: invalid value")
	ErrConfigRequired = errors.New("config: missing required value")
)
