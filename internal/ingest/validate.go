package ingest

import (
	"fmt"
	"strings"

	"github.com/vitrine-shop/vitrine-server/internal/media"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

// Validation failure kinds.
const (
	KindSize   ErrorKind = "size"
	KindFormat ErrorKind = "format"
	KindCount  ErrorKind = "count"
)

// ValidationError describes why a file or a whole batch was not accepted. File is empty for batch-level errors.
type ValidationError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	File    string    `json:"file,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.File == "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.File + ": " + e.Message
}

// Limits constrains what a selection may add.
type Limits struct {
	MaxFiles         int
	MaxFileSizeBytes int64
	AcceptedFormats  []string // MIME types; "image/*" style wildcards are allowed.
	AllowMultiple    bool
}

// ValidationResult holds the files admitted from a batch and every error found. Both may be non-empty.
type ValidationResult struct {
	Accepted []Source
	Errors   []*ValidationError
}

// Validate checks a newly selected batch against limits given the number of files already held. Batch-level count
// errors reject the whole batch; otherwise each file is checked for size and then format on its own. Validate has no
// side effects.
func Validate(batch []Source, current int, limits Limits) ValidationResult {
	var res ValidationResult
	if len(batch) == 0 {
		return res
	}

	if !limits.AllowMultiple && len(batch) > 1 {
		res.Errors = append(res.Errors, &ValidationError{
			Kind:    KindCount,
			Message: "Only one file can be selected",
		})
		return res
	}

	if limits.MaxFiles > 0 && current+len(batch) > limits.MaxFiles {
		res.Errors = append(res.Errors, &ValidationError{
			Kind:    KindCount,
			Message: quotaMessage(limits.MaxFiles, current),
		})
		return res
	}

	for _, f := range batch {
		name := sanitiseName(f.Name)
		if limits.MaxFileSizeBytes > 0 && f.Size() > limits.MaxFileSizeBytes {
			res.Errors = append(res.Errors, &ValidationError{
				Kind:    KindSize,
				Message: "File exceeds the maximum size of " + formatSize(limits.MaxFileSizeBytes),
				File:    name,
			})
			continue
		}

		ct := media.DetectContentType(f.ContentType, f.Data)
		if len(limits.AcceptedFormats) > 0 && !media.MatchesContentType(ct, limits.AcceptedFormats) {
			res.Errors = append(res.Errors, &ValidationError{
				Kind:    KindFormat,
				Message: "Unsupported format; accepted formats are " + strings.Join(limits.AcceptedFormats, ", "),
				File:    name,
			})
			continue
		}

		f.ContentType = ct
		res.Accepted = append(res.Accepted, f)
	}
	return res
}

func quotaMessage(maxFiles, current int) string {
	remaining := max(maxFiles-current, 0)
	switch remaining {
	case 0:
		return fmt.Sprintf("The limit of %d files has been reached", maxFiles)
	case 1:
		return fmt.Sprintf("Only 1 more file can be added (limit %d)", maxFiles)
	default:
		return fmt.Sprintf("Only %d more files can be added (limit %d)", remaining, maxFiles)
	}
}

func formatSize(n int64) string {
	const mb = 1024 * 1024
	if n%mb == 0 {
		return fmt.Sprintf("%d MB", n/mb)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/mb)
}
