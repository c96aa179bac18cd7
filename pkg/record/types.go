package record

import "time"

// Version is the format marker that opens every file
type Version struct {
	Format string `json:"format"`
}

func (*Version) Kind() Kind { return KindVersion }
func (*Version) record()    {}

// Conversation summarises one conversation with an assistant or a person
type Conversation struct {
	ID           string     `json:"id"`
	Platform     string     `json:"platform,omitempty"`
	Title        string     `json:"title,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	StartedAt    time.Time  `json:"started_at,omitempty"`
	EndedAt      time.Time  `json:"ended_at,omitempty"`
	Messages     int        `json:"messages,omitempty"`
	Participants []string   `json:"participants,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	MemoryType   MemoryType `json:"memory_type,omitempty"`
	Scope        Scope      `json:"scope,omitempty"`
	Extra        Fields     `json:"extra,omitempty"`
}

func (*Conversation) Kind() Kind { return KindConversation }
func (*Conversation) record()    {}

// State is a named snapshot of working state. Name may be empty.
type State struct {
	Name      string    `json:"name,omitempty"`
	Focus     string    `json:"focus,omitempty"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Scope     Scope     `json:"scope,omitempty"`
	Extra     Fields    `json:"extra,omitempty"`
}

func (*State) Kind() Kind { return KindState }
func (*State) record()    {}

// Session records one agent session against a project
type Session struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent,omitempty"`
	Project   string    `json:"project,omitempty"`
	Status    string    `json:"status,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Scope     Scope     `json:"scope,omitempty"`
	Extra     Fields    `json:"extra,omitempty"`
}

func (*Session) Kind() Kind { return KindSession }
func (*Session) record()    {}

// Embedding stores a vector for another record, referenced by Ref
type Embedding struct {
	ID        string    `json:"id"`
	Model     string    `json:"model,omitempty"`
	Dims      int       `json:"dims,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Vector    []float32 `json:"vector,omitempty"`
	Extra     Fields    `json:"extra,omitempty"`
}

func (*Embedding) Kind() Kind { return KindEmbedding }
func (*Embedding) record()    {}

// Consolidation is the summary produced when several records are merged
type Consolidation struct {
	ID         string     `json:"id"`
	Summary    string     `json:"summary,omitempty"`
	Strategy   string     `json:"strategy,omitempty"`
	MemoryType MemoryType `json:"memory_type,omitempty"`
	Sources    []string   `json:"sources,omitempty"`
	Count      int        `json:"count,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	Extra      Fields     `json:"extra,omitempty"`
}

func (*Consolidation) Kind() Kind { return KindConsolidation }
func (*Consolidation) record()    {}

// Insight is one row of an INSIGHTS section
type Insight struct {
	Text       string     `json:"text"`
	MemoryType MemoryType `json:"memory_type,omitempty"`
	Confidence Confidence `json:"confidence,omitempty"`
	Impact     Impact     `json:"impact,omitempty"`
	Extra      Fields     `json:"extra,omitempty"`
}

// Decision is one row of a DECISIONS section
type Decision struct {
	Text       string     `json:"text"`
	Priority   Priority   `json:"priority,omitempty"`
	Confidence Confidence `json:"confidence,omitempty"`
	Impact     Impact     `json:"impact,omitempty"`
	Extra      Fields     `json:"extra,omitempty"`
}

// Link is one row of a LINKS section
type Link struct {
	Target     string     `json:"target"`
	Relation   Relation   `json:"relation,omitempty"`
	Scope      Scope      `json:"scope,omitempty"`
	Confidence Confidence `json:"confidence,omitempty"`
	Extra      Fields     `json:"extra,omitempty"`
}

// Insights groups insight rows written together
type Insights struct {
	Rows []Insight `json:"rows"`
}

func (*Insights) Kind() Kind { return KindInsights }
func (*Insights) record()    {}

// Decisions groups decision rows written together
type Decisions struct {
	Rows []Decision `json:"rows"`
}

func (*Decisions) Kind() Kind { return KindDecisions }
func (*Decisions) record()    {}

// Links groups link rows written together
type Links struct {
	Rows []Link `json:"rows"`
}

func (*Links) Kind() Kind { return KindLinks }
func (*Links) record()    {}

// Unknown holds a section this version cannot interpret. Lines are the raw,
// still escaped payloads that followed the header so the section can be
// written back unchanged.
type Unknown struct {
	Name  string   `json:"name"`
	ID    string   `json:"id,omitempty"`
	Lines []string `json:"lines,omitempty"`
}

func (*Unknown) Kind() Kind { return KindUnknown }
func (*Unknown) record()    {}
