package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"strings"

	"github.com/printvault/printvault/internal/worker"
)

type (
	// PasswordProtectedError reports an archive that needs a password to open.
	PasswordProtectedError struct {
		Name string
		Err  error
	}

	// CorruptedError reports an archive with damaged or truncated data.
	CorruptedError struct {
		Name string
		Err  error
	}

	// MissingPartError reports a multi-volume archive with an absent volume.
	MissingPartError struct {
		Name string
		Err  error
	}
)

func (e *PasswordProtectedError) Error() string {
	return fmt.Sprintf("archive %s is password protected: %v", e.Name, e.Err)
}

func (e *PasswordProtectedError) Unwrap() error { return e.Err }

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("archive %s is corrupted: %v", e.Name, e.Err)
}

func (e *CorruptedError) Unwrap() error { return e.Err }

func (e *MissingPartError) Error() string {
	return fmt.Sprintf("archive %s is missing a part: %v", e.Name, e.Err)
}

func (e *MissingPartError) Unwrap() error { return e.Err }

// classifyError maps extraction failures onto the worker error taxonomy: bad
// passwords, corrupted data and missing volumes get a typed, non-retryable
// error. Sentinel errors from the stdlib decoders are matched first; the
// message scan is the fallback for the third-party decoders, which expose no
// error types.
func classifyError(name string, err error) error {
	var nr *worker.NonRetryableError
	if errors.As(err, &nr) {
		return err
	}
	switch {
	case errors.Is(err, zip.ErrFormat), errors.Is(err, zip.ErrChecksum),
		errors.Is(err, gzip.ErrHeader), errors.Is(err, gzip.ErrChecksum),
		errors.Is(err, tar.ErrHeader):
		return worker.NonRetryable(&CorruptedError{Name: name, Err: err})
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "password") || strings.Contains(msg, "encrypt"):
		return worker.NonRetryable(&PasswordProtectedError{Name: name, Err: err})
	case strings.Contains(msg, "checksum") || strings.Contains(msg, "corrupt") ||
		strings.Contains(msg, "unexpected eof") || strings.Contains(msg, "not a valid"):
		return worker.NonRetryable(&CorruptedError{Name: name, Err: err})
	case strings.Contains(msg, "volume") || strings.Contains(msg, "no such file"):
		return worker.NonRetryable(&MissingPartError{Name: name, Err: err})
	default:
		return fmt.Errorf("extract %s: %w", name, err)
	}
}
