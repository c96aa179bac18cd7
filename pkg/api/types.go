package api

import (
	"time"

	"github.com/ssargent/ctxstore/pkg/record"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ServerConfig holds configuration for the admin server
type ServerConfig struct {
	Bind        string
	Port        int
	APIKey      string
	CORSOrigins []string
	// ShutdownTimeout bounds the graceful shutdown once the serve context ends
	ShutdownTimeout time.Duration
}

// EntryResponse is one record as returned by the tail and query endpoints
type EntryResponse struct {
	Seq    uint64        `json:"seq"`
	Offset int64         `json:"offset"`
	Kind   record.Kind   `json:"kind"`
	Record record.Record `json:"record"`
}

// EntriesResponse wraps a list of entries with where reading can resume
type EntriesResponse struct {
	Category   string          `json:"category"`
	Entries    []EntryResponse `json:"entries"`
	NextOffset int64           `json:"next_offset,omitempty"`
}

// RebuildResponse lists the categories whose index was rebuilt
type RebuildResponse struct {
	Rebuilt  []string `json:"rebuilt"`
	Duration string   `json:"duration"`
}

// NewEntriesResponse converts store entries into their wire form
func NewEntriesResponse(category string, entries []record.Entry, next int64) EntriesResponse {
	out := EntriesResponse{
		Category:   category,
		Entries:    make([]EntryResponse, 0, len(entries)),
		NextOffset: next,
	}
	for _, e := range entries {
		out.Entries = append(out.Entries, EntryResponse{Seq: e.Seq, Offset: e.Offset, Kind: e.Kind(), Record: e.Record})
	}
	return out
}
