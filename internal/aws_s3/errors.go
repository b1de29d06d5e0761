package aws_s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
)

const (
	CodeNotFound         = "NotFound"
	CodeChecksumMismatch = "ChecksumMismatch"
	CodeTimeout          = "Timeout"
	CodeCanceled         = "Canceled"
	CodeUnknown          = "Unknown"
)

// ErrNotFound is matched by errors.Is for StorageErrors caused by a missing object or bucket.
var ErrNotFound = errors.New("object not found")

// StorageError is returned by every object store operation. Code is machine-readable:
// the S3 error code when the service returned one.
type StorageError struct {
	Op     string
	Bucket string
	Key    string
	Code   string
	Err    error
}

func newStorageError(op, bucket, key string, err error) *StorageError {
	var se *StorageError
	if errors.As(err, &se) {
		return se
	}
	return &StorageError{Op: op, Bucket: bucket, Key: key, Code: ErrorCode(err), Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("s3 %s %s/%s: %s: %v", e.Op, e.Bucket, e.Key, e.Code, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrNotFound && e.Code == CodeNotFound
}

// ErrorCode maps an error to a stable code. Missing objects collapse to CodeNotFound.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket", "NoSuchVersion":
			return CodeNotFound
		}
		return apiErr.ErrorCode()
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusNotFound {
		return CodeNotFound
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeUnknown
}
