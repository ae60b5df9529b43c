package exception

import "errors"

var (
	ErrRegistryInstrumentNotFound = errors.New("registry: instrument not found")
	ErrRegistryInvalidMetadata    = errors.New("registry: invalid pool metadata")
	ErrRegistryNothingLoaded      = errors.New("registry: no pool could be loaded")
	ErrRegistryCacheMiss          = errors.New("registry: cache miss")
	ErrRegistryDuplicateID        = errors.New("registry: instrument id already taken by another pool")
)
