package agent

import "errors"

var (
	// ErrNilAgent is returned when Run is called without an agent.
	ErrNilAgent = errors.New("agent is nil")

	// ErrNilModel is returned when a model agent is built without a model.
	ErrNilModel = errors.New("model is nil")

	// ErrUnparsableResponse is returned when the model output contains no
	// usable JSON body and no fallback is configured.
	ErrUnparsableResponse = errors.New("model response is not parsable")
)
