// Package domain defines the shared data model of the knowledge base core:
// knowledge bases, documents, chunks, indexing jobs, and the query boundary
// types, together with the error taxonomy and the object-store key layout.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IndexStatus represents the indexing state of a knowledge base.
type IndexStatus string

const (
	IndexStatusEmpty      IndexStatus = "empty"
	IndexStatusProcessing IndexStatus = "processing"
	IndexStatusReady      IndexStatus = "ready"
	IndexStatusError      IndexStatus = "error"
)

// DocumentStatus represents the ingestion state of a single document.
// Transitions only run pending → processing → {indexed, failed}.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusIndexed    DocumentStatus = "indexed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// KnowledgeBase is one owner's named collection of documents plus its vector
// index. Version is the opaque compare-and-swap token guarding every mutation
// of this row; Dimension is zero until the first successful merge and
// immutable afterwards.
type KnowledgeBase struct {
	OwnerID         string
	KBID            string
	Name            string
	Description     string
	EmbeddingModel  string
	GenerationModel string
	DocumentCount   int
	TotalSize       int64
	IndexStatus     IndexStatus
	Version         int64
	Dimension       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Document is one uploaded file belonging to a knowledge base.
type Document struct {
	KBID             string
	DocumentID       string
	Filename         string
	ContentType      string
	Size             int64
	ObjectKey        string
	Status           DocumentStatus
	UploadedAt       time.Time
	IndexedAt        *time.Time
	ErrorMessage     string
	ChunkCount       int
	ExtractionMethod string
}

// Chunk is the atomic unit of retrieval: a contiguous slice of a document's
// text sized for embedding. Chunks for a document are persisted together as
// one JSON blob; the field names below are the wire format.
type Chunk struct {
	Text           string `json:"text"`
	TokenCount     int    `json:"tokenCount"`
	PageNumber     *int   `json:"pageNumber"`
	SourceFilename string `json:"sourceFilename"`
	ChunkIndex     int    `json:"chunkIndex"`
	VectorID       string `json:"vectorId"`
}

// IndexJob is the queue message that drives the indexing worker. The JSON
// field names are part of the queue wire contract.
type IndexJob struct {
	KBID           string `json:"kbId"`
	DocumentID     string `json:"documentId"`
	OwnerID        string `json:"ownerId"`
	ObjectKey      string `json:"objectKey"`
	Filename       string `json:"filename"`
	EmbeddingModel string `json:"embeddingModel"`
}

// Turn is one prior conversation message supplied with a query.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles accepted in query history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerationParams tune the generative model call.
type GenerationParams struct {
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	TopP        float32 `json:"topP"`
}

// QueryRequest is the boundary input of the query engine.
type QueryRequest struct {
	KBID              string
	OwnerID           string
	Query             string
	ModelID           string
	K                 int
	History           []Turn
	Params            GenerationParams
	DistanceThreshold *float32
}

// QueryResponse is the boundary output of the query engine.
type QueryResponse struct {
	Answer          string   `json:"answer"`
	Sources         []string `json:"sources"`
	RetrievedChunks int      `json:"retrievedChunks"`
	Query           string   `json:"query"`
	ModelID         string   `json:"modelId"`
}

// vectorIDWidth pads the chunk index so that lexicographic order of vector
// ids within a document equals numeric chunk order.
const vectorIDWidth = 6

// VectorID derives the stable identifier tying an index row to its source
// chunk. Document ids are globally unique, so the pair is too.
func VectorID(documentID string, chunkIndex int) string {
	return fmt.Sprintf("%s#%0*d", documentID, vectorIDWidth, chunkIndex)
}

// ParseVectorID recovers the document id and chunk index from a vector id.
func ParseVectorID(vectorID string) (documentID string, chunkIndex int, err error) {
	sep := strings.LastIndexByte(vectorID, '#')
	if sep <= 0 || sep == len(vectorID)-1 {
		return "", 0, InvalidInput(fmt.Sprintf("malformed vector id %q", vectorID))
	}
	idx, err := strconv.Atoi(vectorID[sep+1:])
	if err != nil || idx < 0 {
		return "", 0, InvalidInput(fmt.Sprintf("malformed vector id %q", vectorID))
	}
	return vectorID[:sep], idx, nil
}
