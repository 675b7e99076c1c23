// Package memoryfacade is a uniform write/read surface over three
// memory kinds (episodic, semantic, procedural), agent-scoped, with
// optional vector augmentation for search.
package memoryfacade

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

// Kind is one of the three memory storage kinds.
type Kind string

const (
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
)

// EpisodicEvent is a record of something that happened.
type EpisodicEvent struct {
	EventName  string
	ContextText string
	Outcome    string
	Success    bool
	Importance float64
	Tags       []string
	SessionID  string
}

// SemanticFact is a standalone piece of knowledge.
type SemanticFact struct {
	Category   string
	FactKind   string
	Content    string
	Importance float64
	Tags       []string
	Source     string
}

// Procedure is a named, versioned sequence of steps with a running
// success rate.
type Procedure struct {
	Trigger        string
	Steps          []string
	InputsSchema   map[string]any
	OutputsSchema  map[string]any
	Version        string
	SuccessRate    float64
	ExecutionCount int
	Active         bool
}

// Record is the façade's uniform storage envelope. Exactly one of
// Episodic/Semantic/Procedural is populated, matching its Kind.
type Record struct {
	ID         string
	AgentID    string
	Kind       Kind
	Episodic   *EpisodicEvent
	Semantic   *SemanticFact
	Procedural *Procedure
	Embedding  []float32
	CreatedAt  time.Time
}

// EmbeddingService generates a vector embedding for a string. A nil
// implementation, or a nil vector result, degrades search to text-only
// matching without error.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchOptions filters a Search call across kinds.
type SearchOptions struct {
	Types             []Kind
	Tags              []string
	MinImportance     float64
	MinStrength       float64 // procedure success rate
	MinSimilarity     float64
	Since             *time.Time
	Until             *time.Time
	Limit             int
	IncludeEmbeddings bool
}

// Facade implements uniform memory read/write across all three kinds.
type Facade struct {
	mu       sync.RWMutex
	records  map[string]*Record
	byAgent  map[string]map[string]struct{}
	embedder EmbeddingService
}

// New returns a Facade. embedder may be nil, in which case Search falls
// back to text-only matching whenever no embedding is supplied.
func New(embedder EmbeddingService) *Facade {
	return &Facade{
		records:  make(map[string]*Record),
		byAgent:  make(map[string]map[string]struct{}),
		embedder: embedder,
	}
}

func (f *Facade) put(agentID string, r *Record) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = uuid.New().String()
	r.AgentID = agentID
	r.CreatedAt = time.Now().UTC()
	f.records[r.ID] = r
	if f.byAgent[agentID] == nil {
		f.byAgent[agentID] = make(map[string]struct{})
	}
	f.byAgent[agentID][r.ID] = struct{}{}
	return r.ID
}

// WriteEpisodic stores an episodic event and returns its opaque memory id.
func (f *Facade) WriteEpisodic(agentID string, ev EpisodicEvent, embedding []float32) (string, error) {
	if agentID == "" {
		return "", gatewayerr.Validation("memoryfacade: agent id required")
	}
	return f.put(agentID, &Record{Kind: KindEpisodic, Episodic: &ev, Embedding: embedding}), nil
}

// WriteSemantic stores a semantic fact and returns its opaque memory id.
func (f *Facade) WriteSemantic(agentID string, fact SemanticFact, embedding []float32) (string, error) {
	if agentID == "" {
		return "", gatewayerr.Validation("memoryfacade: agent id required")
	}
	return f.put(agentID, &Record{Kind: KindSemantic, Semantic: &fact, Embedding: embedding}), nil
}

// LearnProcedure stores a named procedure and returns its opaque memory id.
func (f *Facade) LearnProcedure(agentID string, proc Procedure) (string, error) {
	if agentID == "" {
		return "", gatewayerr.Validation("memoryfacade: agent id required")
	}
	if proc.Trigger == "" {
		return "", gatewayerr.Validation("memoryfacade: procedure trigger required")
	}
	return f.put(agentID, &Record{Kind: KindProcedural, Procedural: &proc}), nil
}

// Get returns a single record by its opaque memory id, regardless of kind.
func (f *Facade) Get(id string) (Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.records[id]
	if !ok {
		return Record{}, gatewayerr.NotFound("memoryfacade: no record %s", id)
	}
	return *r, nil
}

// RecordProcedureExecution updates a procedure's success rate using an
// online running average: successRate += (outcome - successRate) / (n+1).
func (f *Facade) RecordProcedureExecution(id string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.records[id]
	if !ok || r.Kind != KindProcedural {
		return gatewayerr.NotFound("memoryfacade: no procedure %s", id)
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	n := r.Procedural.ExecutionCount
	r.Procedural.SuccessRate += (outcome - r.Procedural.SuccessRate) / float64(n+1)
	r.Procedural.ExecutionCount = n + 1
	return nil
}

// Search fans out across kinds with the given filters. If query is
// non-empty and no embedding was supplied, Search attempts to generate
// one via the configured EmbeddingService; on failure (or with no
// embedder configured) it falls back to a substring text match with no
// error returned to the caller.
func (f *Facade) Search(ctx context.Context, agentID, query string, opts SearchOptions) ([]Record, error) {
	var queryEmbedding []float32
	if query != "" && f.embedder != nil {
		if emb, err := f.embedder.Embed(ctx, query); err == nil {
			queryEmbedding = emb
		}
	}

	f.mu.RLock()
	ids := f.byAgent[agentID]
	candidates := make([]*Record, 0, len(ids))
	for id := range ids {
		candidates = append(candidates, f.records[id])
	}
	f.mu.RUnlock()

	type scored struct {
		rec   Record
		score float64
	}
	var out []scored

	for _, r := range candidates {
		if !kindAllowed(opts.Types, r.Kind) {
			continue
		}
		if !tagsMatch(opts.Tags, tagsOf(r)) {
			continue
		}
		if opts.Since != nil && r.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.CreatedAt.After(*opts.Until) {
			continue
		}
		if imp := importanceOf(r); imp < opts.MinImportance {
			continue
		}
		if r.Kind == KindProcedural && r.Procedural.SuccessRate < opts.MinStrength {
			continue
		}

		score := 1.0
		if query != "" {
			if len(queryEmbedding) > 0 && len(r.Embedding) > 0 {
				score = cosineSimilarity(queryEmbedding, r.Embedding)
				if score < opts.MinSimilarity {
					continue
				}
			} else if !textMatches(r, query) {
				continue
			}
		}

		copyRec := *r
		if !opts.IncludeEmbeddings {
			copyRec.Embedding = nil
		}
		out = append(out, scored{rec: copyRec, score: score})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	limit := opts.Limit
	if limit <= 0 || limit > len(out) {
		limit = len(out)
	}
	results := make([]Record, 0, limit)
	for i := 0; i < limit; i++ {
		results = append(results, out[i].rec)
	}
	return results, nil
}

func kindAllowed(allowed []Kind, k Kind) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == k {
			return true
		}
	}
	return false
}

func tagsOf(r *Record) []string {
	switch r.Kind {
	case KindEpisodic:
		return r.Episodic.Tags
	case KindSemantic:
		return r.Semantic.Tags
	default:
		return nil
	}
}

func tagsMatch(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	haveSet := make(map[string]struct{}, len(have))
	for _, t := range have {
		haveSet[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := haveSet[t]; ok {
			return true
		}
	}
	return false
}

func importanceOf(r *Record) float64 {
	switch r.Kind {
	case KindEpisodic:
		return r.Episodic.Importance
	case KindSemantic:
		return r.Semantic.Importance
	default:
		return 0
	}
}

func textMatches(r *Record, query string) bool {
	q := strings.ToLower(query)
	switch r.Kind {
	case KindEpisodic:
		return strings.Contains(strings.ToLower(r.Episodic.ContextText), q) ||
			strings.Contains(strings.ToLower(r.Episodic.EventName), q)
	case KindSemantic:
		return strings.Contains(strings.ToLower(r.Semantic.Content), q)
	case KindProcedural:
		return strings.Contains(strings.ToLower(r.Procedural.Trigger), q)
	default:
		return false
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
