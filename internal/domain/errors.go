package domain

import "github.com/cockroachdb/errors"

// Error kinds surfaced by the pipeline. Callers match them with errors.Is.
var (
	// ErrSchemaIncompatible is returned once a report or document newer than
	// the locally supported schema is observed. It is fatal for the process.
	ErrSchemaIncompatible = errors.New("fleetlog: schema incompatible")
	// ErrValidation marks a report or document that failed its structural contract.
	ErrValidation = errors.New("fleetlog: validation failed")
	// ErrMissingDocument means the topic exists but holds no document yet.
	ErrMissingDocument = errors.New("fleetlog: document missing")
	// ErrMissingTopic means the topic itself does not exist.
	ErrMissingTopic = errors.New("fleetlog: topic missing")
	// ErrTransportClosed is returned by log adapters after Close.
	ErrTransportClosed = errors.New("fleetlog: transport closed")
)

// Incompatible returns an error matching ErrSchemaIncompatible.
func Incompatible(format string, args ...interface{}) error {
	return errors.Wrapf(ErrSchemaIncompatible, format, args...)
}

// Invalid marks err as a validation failure, keeping its message. Match it
// with errors.Is from github.com/cockroachdb/errors.
func Invalid(err error, what string) error {
	return errors.Mark(errors.Wrapf(err, "%s", what), ErrValidation)
}
