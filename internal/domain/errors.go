package domain

import "fmt"

// SigningError is the only failure a signer reports; it never stems from the
// content of the entry being signed.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed: %v", e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// Rotation stages, in execution order.
const (
	RotationStageSelect = "select"
	RotationStageWrite  = "write"
	RotationStageDelete = "delete"
)

// RotationError reports which step of a rotation failed. Partial is only ever
// true for the delete stage and means live rows need manual reconciliation.
type RotationError struct {
	Stage       string
	ArchiveFile string
	Partial     bool
	Err         error
}

func (e *RotationError) Error() string {
	if e.ArchiveFile != "" {
		return fmt.Sprintf("rotation failed at %s stage (archive %s): %v", e.Stage, e.ArchiveFile, e.Err)
	}
	return fmt.Sprintf("rotation failed at %s stage: %v", e.Stage, e.Err)
}

func (e *RotationError) Unwrap() error {
	return e.Err
}

type CleanupError struct {
	File string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("failed to remove archive %s: %v", e.File, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}
