// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTicketID = "ticket_id"
	FieldRunID    = "run_id"
	FieldOwner    = "owner"
	FieldHarness  = "harness"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldStatus   = "status"
	FieldReason   = "reason"

	// Budget fields
	FieldTokenCount = "token_count"
	FieldMaxTokens  = "max_tokens"
	FieldMaxMinutes = "max_minutes"
)
