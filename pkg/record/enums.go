package record

import "strconv"

// Priority ranks how important a decision is
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is empty or part of the closed vocabulary
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank orders priorities; non-standard values rank below low
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Confidence grades how certain an insight, decision or link is
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

func (c Confidence) Valid() bool {
	switch c {
	case "", ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	}
	return false
}

func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// Impact grades the expected effect of an insight or decision
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

func (i Impact) Valid() bool {
	switch i {
	case "", ImpactHigh, ImpactMedium, ImpactLow:
		return true
	}
	return false
}

// MemoryType classifies what kind of memory a record represents
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
	MemoryWorking    MemoryType = "working"
)

func (m MemoryType) Valid() bool {
	switch m {
	case "", MemoryEpisodic, MemorySemantic, MemoryProcedural, MemoryWorking:
		return true
	}
	return false
}

// Scope says how widely a record applies
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
	ScopeUser    Scope = "user"
	ScopeGlobal  Scope = "global"
)

func (s Scope) Valid() bool {
	switch s {
	case "", ScopeSession, ScopeProject, ScopeUser, ScopeGlobal:
		return true
	}
	return false
}

// Relation is the edge type of a link row
type Relation string

const (
	RelationRelatesTo   Relation = "relates_to"
	RelationSupersedes  Relation = "supersedes"
	RelationDependsOn   Relation = "depends_on"
	RelationContradicts Relation = "contradicts"
	RelationDerivedFrom Relation = "derived_from"
	RelationReferences  Relation = "references"
)

func (r Relation) Valid() bool {
	switch r {
	case "", RelationRelatesTo, RelationSupersedes, RelationDependsOn,
		RelationContradicts, RelationDerivedFrom, RelationReferences:
		return true
	}
	return false
}

// NonStandard lists "field=value" for every enum in r that is set to a value
// outside its vocabulary. Row sections prefix the field with the row index.
func NonStandard(r Record) []string {
	var out []string
	check := func(field string, value string, ok bool) {
		if !ok {
			out = append(out, field+"="+value)
		}
	}
	switch v := r.(type) {
	case *Conversation:
		check("memory_type", string(v.MemoryType), v.MemoryType.Valid())
		check("scope", string(v.Scope), v.Scope.Valid())
	case *State:
		check("scope", string(v.Scope), v.Scope.Valid())
	case *Session:
		check("scope", string(v.Scope), v.Scope.Valid())
	case *Consolidation:
		check("memory_type", string(v.MemoryType), v.MemoryType.Valid())
	case *Insights:
		for i, row := range v.Rows {
			p := rowPrefix(i)
			check(p+"memory_type", string(row.MemoryType), row.MemoryType.Valid())
			check(p+"confidence", string(row.Confidence), row.Confidence.Valid())
			check(p+"impact", string(row.Impact), row.Impact.Valid())
		}
	case *Decisions:
		for i, row := range v.Rows {
			p := rowPrefix(i)
			check(p+"priority", string(row.Priority), row.Priority.Valid())
			check(p+"confidence", string(row.Confidence), row.Confidence.Valid())
			check(p+"impact", string(row.Impact), row.Impact.Valid())
		}
	case *Links:
		for i, row := range v.Rows {
			p := rowPrefix(i)
			check(p+"relation", string(row.Relation), row.Relation.Valid())
			check(p+"scope", string(row.Scope), row.Scope.Valid())
			check(p+"confidence", string(row.Confidence), row.Confidence.Valid())
		}
	}
	return out
}

func rowPrefix(i int) string {
	return "rows[" + strconv.Itoa(i) + "]."
}
