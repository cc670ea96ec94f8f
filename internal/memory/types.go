// Package memory implements the Memory Store: typed knowledge chunks with
// embeddings, similarity search, usage accounting and retention.
package memory

import (
	"time"
)

// ChunkType classifies a memory chunk. It is a closed set plus an Other
// variant that preserves unknown tags; Other chunks are stored under the
// general bucket.
type ChunkType struct {
	name  string
	other bool
}

var (
	ChunkBusinessTerm = ChunkType{name: "business_term"}
	ChunkProcess      = ChunkType{name: "process"}
	ChunkFAQ          = ChunkType{name: "faq"}
	ChunkProduct      = ChunkType{name: "product"}
	ChunkObjection    = ChunkType{name: "objection"}
	ChunkPattern      = ChunkType{name: "pattern"}
	ChunkInsight      = ChunkType{name: "insight"}
	ChunkGeneral      = ChunkType{name: "general"}
)

// ChunkTypes lists the known chunk types.
var ChunkTypes = []ChunkType{
	ChunkBusinessTerm, ChunkProcess, ChunkFAQ, ChunkProduct,
	ChunkObjection, ChunkPattern, ChunkInsight, ChunkGeneral,
}

// tagMetadataKey holds the original tag of an Other chunk type.
const tagMetadataKey = "chunk_type_tag"

// SourceLogMetadataKey links a consolidated chunk to its learning log.
const SourceLogMetadataKey = "learning_log_id"

// Other returns the variant for an unrecognized tag.
func Other(tag string) ChunkType {
	return ChunkType{name: tag, other: true}
}

// ParseChunkType maps a tag to its chunk type. Empty input is general;
// unknown input becomes Other(tag).
func ParseChunkType(tag string) ChunkType {
	if tag == "" {
		return ChunkGeneral
	}
	for _, ct := range ChunkTypes {
		if ct.name == tag {
			return ct
		}
	}
	return Other(tag)
}

// IsOther reports whether the type came from an unknown tag.
func (c ChunkType) IsOther() bool { return c.other }

// Tag returns the tag as supplied, including unknown ones.
func (c ChunkType) Tag() string {
	if c.name == "" {
		return ChunkGeneral.name
	}
	return c.name
}

// String returns the stored bucket name.
func (c ChunkType) String() string {
	if c.other || c.name == "" {
		return ChunkGeneral.name
	}
	return c.name
}

func (c ChunkType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ChunkType) UnmarshalText(b []byte) error {
	*c = ParseChunkType(string(b))
	return nil
}

// Chunk is a durable unit of agent knowledge.
type Chunk struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agent_id"`
	ClientID       string                 `json:"client_id"`
	Content        string                 `json:"content"`
	ChunkType      ChunkType              `json:"chunk_type"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Embedding      []float32              `json:"-"`
	HasEmbedding   bool                   `json:"has_embedding"`
	Confidence     float64                `json:"confidence"`
	UsageCount     int                    `json:"usage_count"`
	LastAccessedAt *time.Time             `json:"last_accessed_at,omitempty"`
	Version        int                    `json:"version"`
	IsActive       bool                   `json:"is_active"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Clone returns a deep copy.
func (c *Chunk) Clone() *Chunk {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	if c.Embedding != nil {
		cp.Embedding = append([]float32(nil), c.Embedding...)
	}
	if c.LastAccessedAt != nil {
		t := *c.LastAccessedAt
		cp.LastAccessedAt = &t
	}
	return &cp
}

// storedMetadata returns metadata with the Other tag recorded.
func (c *Chunk) storedMetadata() map[string]interface{} {
	md := make(map[string]interface{}, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		md[k] = v
	}
	if c.ChunkType.IsOther() {
		md[tagMetadataKey] = c.ChunkType.Tag()
	} else {
		delete(md, tagMetadataKey)
	}
	return md
}

// restoreType rebuilds the chunk type from the stored bucket and metadata.
func restoreType(bucket string, md map[string]interface{}) ChunkType {
	if bucket == ChunkGeneral.name {
		if tag, ok := md[tagMetadataKey].(string); ok && tag != "" {
			return Other(tag)
		}
	}
	return ParseChunkType(bucket)
}

// Filter selects chunks for listing. Zero values mean "any".
type Filter struct {
	ClientID  string
	AgentID   string
	ChunkType *ChunkType
	IsActive  *bool
	// Limit of zero returns every match.
	Limit  int
	Offset int
}

// SearchQuery is a similarity search over active chunks.
type SearchQuery struct {
	ClientID  string
	AgentID   string
	Vector    []float32
	Limit     int
	Threshold float64
	ChunkType *ChunkType
}

// SearchResult is a chunk with its cosine similarity to the query.
type SearchResult struct {
	Chunk      *Chunk  `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// Stats summarizes an agent's memory.
type Stats struct {
	AgentID       string         `json:"agent_id"`
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	ByType        map[string]int `json:"by_chunk_type"`
	AvgConfidence float64        `json:"avg_confidence"`
	TotalUsage    int            `json:"total_usage"`
}
