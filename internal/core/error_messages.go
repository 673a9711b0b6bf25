package core

// error_messages.go maps technical errors to user-facing messages with a
// support code. Codes are grouped by category:
//
//	FILE001-FILE099  file and format detection errors
//	MAP001-MAP099    column mapping errors
//	VAL001-VAL099    entity validation errors
//	DB001-DB099      store errors
//	EXP001-EXP099    export errors
//	SYS001-SYS099    scheduling, cancellation and lookup errors
//	ERR000           fallback
//
// Typed errors from errors.go are matched first with errors.As/errors.Is.
// Anything else falls through to case-insensitive substring patterns, first
// match wins.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"error"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code,omitempty"`
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// =========================================================================
	// Store errors
	// =========================================================================
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Switch the duplicate policy to overwrite or remove duplicate rows",
			Code:    "DB001",
		},
	},
	{
		pattern: "violates foreign key",
		msg: UserMessage{
			Message: "Referenced record does not exist",
			Action:  "Make sure every related row carries a product id",
			Code:    "DB002",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB003",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB004",
		},
	},
	// =========================================================================
	// File errors
	// =========================================================================
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE002",
		},
	},
	{
		pattern: "request body too large",
		msg: UserMessage{
			Message: "File exceeds the maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE002",
		},
	},
	{
		pattern: "exceeds limit",
		msg: UserMessage{
			Message: "File exceeds the maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE002",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please select a CSV or XLSX file to upload",
			Code:    "FILE003",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded file is empty",
			Action:  "Please upload a file with data rows",
			Code:    "FILE004",
		},
	},
	// =========================================================================
	// Request lifecycle
	// =========================================================================
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try a smaller file or check your connection",
			Code:    "SYS004",
		},
	},
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "SYS005",
		},
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
// Example:
//
//	msg := MapError(&MappingError{Columns: []string{"sku"}})
//	// msg.Code == "MAP001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var (
		detErr *DetectionError
		mapErr *MappingError
		valErr *ValidationError
		perErr *PersistenceError
		expErr *ExportError
	)

	switch {
	case errors.As(err, &detErr):
		return UserMessage{
			Message: "The file could not be read: " + detErr.Reason,
			Action:  "Check that the file is a non-empty CSV or XLSX file",
			Code:    "FILE001",
		}
	case errors.As(err, &mapErr):
		if len(mapErr.Columns) > 0 && mapErr.Reason == "" {
			return UserMessage{
				Message: "Required column(s) missing: " + strings.Join(mapErr.Columns, ", "),
				Action:  "Add the columns to the file or choose another mapping template",
				Code:    "MAP001",
			}
		}
		return UserMessage{
			Message: mapErr.Error(),
			Action:  "Review the mapping template transformations",
			Code:    "MAP002",
		}
	case errors.As(err, &valErr):
		return UserMessage{
			Message: valErr.Error(),
			Action:  "Correct the value in the source file",
			Code:    "VAL001",
		}
	case errors.As(err, &expErr) && expErr.Err == nil:
		return UserMessage{
			Message: fmt.Sprintf("Export format %q is not supported", expErr.Format),
			Action:  "Use csv or xlsx",
			Code:    "EXP001",
		}
	case errors.Is(err, ErrOverloaded):
		return UserMessage{
			Message: "System overloaded",
			Action:  "Please wait a moment and try again",
			Code:    "SYS001",
		}
	case errors.Is(err, ErrCancelled):
		return UserMessage{
			Message: "Operation was cancelled",
			Action:  "Start a new operation when ready",
			Code:    "SYS002",
		}
	case errors.Is(err, ErrNotFound):
		return UserMessage{
			Message: "Operation or template not found",
			Action:  "It may have expired. Check the id and try again",
			Code:    "SYS003",
		}
	case errors.Is(err, ErrTooLarge):
		return UserMessage{
			Message: "File exceeds the maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE002",
		}
	case errors.Is(err, ErrUnsupportedStrategy):
		return UserMessage{
			Message: "No processor accepts this file",
			Action:  "Upload a .csv, .txt or .xlsx file or pass a strategyId",
			Code:    "FILE005",
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	if errors.As(err, &perErr) {
		return UserMessage{
			Message: "A batch could not be saved",
			Action:  "Review the failed rows and re-import them",
			Code:    "DB005",
		}
	}
	if errors.As(err, &expErr) {
		return UserMessage{
			Message: "Export failed",
			Action:  "Please try again or contact support",
			Code:    "EXP002",
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
