package entity

import "time"

// MemoryCategory is one of the fixed buckets a persistent memory belongs
// to (spec §3).
type MemoryCategory string

const (
	MemoryCategoryUser        MemoryCategory = "user"
	MemoryCategoryPreference  MemoryCategory = "preference"
	MemoryCategoryProject     MemoryCategory = "project"
	MemoryCategoryFact        MemoryCategory = "fact"
	MemoryCategoryEnvironment MemoryCategory = "environment"
)

// MemoryRecord is one persistent, full-text-searchable memory (spec §3).
// Distinct from memory.MemoryEntry (the teacher's vector-embedding
// record) — MemoryRecord is the spec-mandated category/topic store;
// MemoryEntry is kept as its optional semantic-ranking backend
// (SPEC_FULL §4.5).
type MemoryRecord struct {
	ID             string
	UserID         string
	Category       MemoryCategory
	Topic          string
	Content        string
	AccessCount    int
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// MemoryHit is one ranked search result.
type MemoryHit struct {
	Record *MemoryRecord
	Rank   float64
}
