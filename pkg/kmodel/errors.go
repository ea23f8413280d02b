package kmodel

import "errors"

var (
	ErrUnsupportedVersion = errors.New("kmodel: unsupported version")
	ErrUnsupportedArch    = errors.New("kmodel: unsupported arch")
	ErrCorruptModel       = errors.New("kmodel: corrupt model")
)
