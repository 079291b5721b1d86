package store

import "errors"

var (
	ErrNotFound          = errors.New("entity not found")
	ErrVersionRegression = errors.New("incoming version below stored version")
	ErrEmptyBatch        = errors.New("write batch is empty")
)
