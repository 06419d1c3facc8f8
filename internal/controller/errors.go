package controller

import "errors"

var (
	ErrUnknownProcessor     = errors.New("controller: unknown processor")
	ErrUnknownProperty      = errors.New("controller: unknown property")
	ErrUnknownProcessorType = errors.New("controller: unknown processor type")
	ErrProcessorTypeExists  = errors.New("controller: processor type already registered")
	ErrFactoryNil           = errors.New("controller: processor factory is nil")
	ErrInvalidName          = errors.New("controller: invalid name")
	ErrDuplicateProcessor   = errors.New("controller: duplicate processor name")
	ErrInvalidFlow          = errors.New("controller: invalid flow definition")
)
