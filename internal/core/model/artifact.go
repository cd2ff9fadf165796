// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// Artifact is metadata for an output a run produced. Upload mechanics live
// outside the control plane; only the pointer row is stored here.
type Artifact struct {
	ID        string         `json:"id"`
	RunID     string         `json:"runId"`
	TicketID  string         `json:"ticketId"`
	Type      string         `json:"type"`
	URI       string         `json:"uri"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
