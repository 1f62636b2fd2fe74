package utils

import "errors"

var (
	ErrorRecordNotFound = errors.New("record not found")
	ErrorQueueFull      = errors.New("queue is full")
	ErrorNotConfigured  = errors.New("not configured")
)
