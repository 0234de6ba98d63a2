package rag

import "errors"

var (
	ErrEmptyInput        = errors.New("input is empty")
	ErrNoDocuments       = errors.New("no documents to ingest")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrNoChoices         = errors.New("model returned no choices")
)
