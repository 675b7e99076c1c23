// Package marketplace implements the gateway's forum, job-board, and
// reputation surfaces, dispatched by the forum_*, job_*, and
// reputation_* task types. No admission gate reads this state back for
// an authorization decision, so an in-memory projection is the
// gateway-side source of truth; durable mirroring is the caller's
// concern.
package marketplace

import (
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
	"github.com/google/uuid"
)

// Forum is a named discussion board agents may post into.
type Forum struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ForumPost is a single message within a Forum.
type ForumPost struct {
	ID        string    `json:"id"`
	ForumID   string    `json:"forum_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// JobStatus tracks a posted Job's lifecycle.
type JobStatus string

const (
	JobOpen   JobStatus = "open"
	JobFilled JobStatus = "filled"
	JobClosed JobStatus = "closed"
)

// Job is a task posting one agent makes for others to apply to.
type Job struct {
	ID          string    `json:"id"`
	PostedBy    string    `json:"posted_by"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// ApplicationStatus tracks a JobApplication's disposition.
type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationAccepted ApplicationStatus = "accepted"
	ApplicationRejected ApplicationStatus = "rejected"
)

// JobApplication is a single agent's bid on a Job.
type JobApplication struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	ApplicantID  string            `json:"applicant_id"`
	Message      string            `json:"message"`
	Status       ApplicationStatus `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ReputationEntry is an agent's standing score plus the count of
// adjustments that produced it.
type ReputationEntry struct {
	AgentID      string    `json:"agent_id"`
	Score        float64   `json:"score"`
	Adjustments  int       `json:"adjustments"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Clock allows tests to control time.
type Clock func() time.Time

// Market holds the in-memory forum/job/reputation state. Zero value is
// not ready for use; construct with New.
type Market struct {
	mu sync.RWMutex
	now Clock

	forums     map[string]*Forum
	forumNames map[string]string // name -> id, enforces CONFLICT on duplicate
	posts      map[string][]ForumPost

	jobs         map[string]*Job
	applications map[string][]JobApplication

	reputation map[string]*ReputationEntry
}

// New returns an empty Market.
func New() *Market {
	return &Market{
		now:          time.Now,
		forums:       make(map[string]*Forum),
		forumNames:   make(map[string]string),
		posts:        make(map[string][]ForumPost),
		jobs:         make(map[string]*Job),
		applications: make(map[string][]JobApplication),
		reputation:   make(map[string]*ReputationEntry),
	}
}

// WithClock overrides the time source, for deterministic tests.
func (m *Market) WithClock(c Clock) *Market {
	m.now = c
	return m
}

// CreateForum registers a new named forum. Name collisions are a
// CONFLICT on a duplicate name.
func (m *Market) CreateForum(name, createdBy string) (Forum, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.forumNames[name]; exists {
		return Forum{}, gatewayerr.Conflict("marketplace: forum %q already exists", name)
	}

	f := &Forum{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: m.now().UTC(),
	}
	m.forums[f.ID] = f
	m.forumNames[name] = f.ID
	return *f, nil
}

// ListForums returns all forums, oldest first.
func (m *Market) ListForums() []Forum {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Forum, 0, len(m.forums))
	for _, f := range m.forums {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Post appends a message to a forum.
func (m *Market) Post(forumID, authorID, content string) (ForumPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.forums[forumID]; !ok {
		return ForumPost{}, gatewayerr.NotFound("marketplace: no forum %s", forumID)
	}

	p := ForumPost{
		ID:        uuid.NewString(),
		ForumID:   forumID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: m.now().UTC(),
	}
	m.posts[forumID] = append(m.posts[forumID], p)
	return p, nil
}

// Posts returns a forum's posts, oldest first.
func (m *Market) Posts(forumID string) ([]ForumPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.forums[forumID]; !ok {
		return nil, gatewayerr.NotFound("marketplace: no forum %s", forumID)
	}
	out := make([]ForumPost, len(m.posts[forumID]))
	copy(out, m.posts[forumID])
	return out, nil
}

// PostJob publishes a new job posting.
func (m *Market) PostJob(postedBy, title, description string) Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := &Job{
		ID:          uuid.NewString(),
		PostedBy:    postedBy,
		Title:       title,
		Description: description,
		Status:      JobOpen,
		CreatedAt:   m.now().UTC(),
	}
	m.jobs[j.ID] = j
	return *j
}

// ListJobs returns all jobs, newest first.
func (m *Market) ListJobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ApplyToJob records an agent's application against an open job.
func (m *Market) ApplyToJob(jobID, applicantID, message string) (JobApplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return JobApplication{}, gatewayerr.NotFound("marketplace: no job %s", jobID)
	}
	if j.Status != JobOpen {
		return JobApplication{}, gatewayerr.Conflict("marketplace: job %s is not open", jobID)
	}

	app := JobApplication{
		ID:          uuid.NewString(),
		JobID:       jobID,
		ApplicantID: applicantID,
		Message:     message,
		Status:      ApplicationPending,
		CreatedAt:   m.now().UTC(),
	}
	m.applications[jobID] = append(m.applications[jobID], app)
	return app, nil
}

// GetReputation returns an agent's current score, defaulting to a fresh
// zero-score entry if none exists yet.
func (m *Market) GetReputation(agentID string) ReputationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.reputation[agentID]; ok {
		return *e
	}
	return ReputationEntry{AgentID: agentID}
}

// ListReputation returns every tracked agent's reputation, highest first.
func (m *Market) ListReputation() []ReputationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ReputationEntry, 0, len(m.reputation))
	for _, e := range m.reputation {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// AdjustReputation applies a delta to an agent's running score, creating
// the entry if needed. Score and adjustment count update in O(1); the
// history is never recomputed.
func (m *Market) AdjustReputation(agentID string, delta float64) ReputationEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.reputation[agentID]
	if !ok {
		e = &ReputationEntry{AgentID: agentID}
		m.reputation[agentID] = e
	}
	e.Score += delta
	e.Adjustments++
	e.LastUpdated = m.now().UTC()
	return *e
}
