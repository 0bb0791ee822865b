package resource

import "errors"

var (
	ErrQueueFull      = errors.New("resource wait queue is full")
	ErrRequestExpired = errors.New("queued resource request expired")
	ErrDuplicateAgent = errors.New("agent already holds a resource grant")
	ErrEmptyAgentID   = errors.New("resource request requires an agent id")
)
