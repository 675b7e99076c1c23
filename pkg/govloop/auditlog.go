// Package govloop implements the Audit + Governance Loop: an
// append-only audit log with monotonic insertion ordering, and a CEL-based
// rules engine that evaluates newly-appended records against active
// GovernancePolicies, opening moderation cases and applying sanctions on
// violation.
package govloop

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Handler is notified, in append order, after every record is persisted.
type Handler func(contracts.GatewayAuditRecord)

// QueryFilter narrows an AuditLog.Query call. Zero-value fields are
// unconstrained.
type QueryFilter struct {
	ActorID      string
	Action       string // exact match
	ActionPrefix string // prefix match, used by the governance loop itself
	ResourceType string
	Outcome      contracts.AuditOutcome
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

// AuditLog is the append-only, globally totally-ordered store of
// GatewayAuditRecords: ordering is
// (createdAt, insertion sequence), and no consumer ever observes
// out-of-order insertion.
type AuditLog struct {
	mu       sync.RWMutex
	records  []contracts.GatewayAuditRecord
	seq      uint64
	handlers []Handler
	now      Clock
}

// NewAuditLog returns an empty, ready-to-use AuditLog.
func NewAuditLog() *AuditLog {
	return &AuditLog{now: time.Now}
}

// WithClock overrides the log's time source, for tests.
func (l *AuditLog) WithClock(c Clock) *AuditLog {
	l.now = c
	return l
}

// OnRecord registers a handler invoked, in append order, after each
// Append. The governance Engine is the primary consumer.
func (l *AuditLog) OnRecord(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Append assigns an ID, CreatedAt, and InsertionSeq to rec, persists it,
// and notifies handlers synchronously in registration order before
// returning — callers that need the governance loop's follow-on sanction
// to be visible to the very next gate rely on that synchronicity: a
// sanction applied for this record already gates the agent's next task,
// though never the task that produced the record.
func (l *AuditLog) Append(rec contracts.GatewayAuditRecord) contracts.GatewayAuditRecord {
	l.mu.Lock()
	l.seq++
	rec.InsertionSeq = l.seq
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = l.now().UTC()
	l.records = append(l.records, rec)
	handlers := append([]Handler(nil), l.handlers...)
	l.mu.Unlock()

	for _, h := range handlers {
		h(rec)
	}
	return rec
}

// Query returns records matching filter, in insertion order.
func (l *AuditLog) Query(filter QueryFilter) []contracts.GatewayAuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []contracts.GatewayAuditRecord
	for _, r := range l.records {
		if filter.ActorID != "" && r.ActorID != filter.ActorID {
			continue
		}
		if filter.Action != "" && r.Action != filter.Action {
			continue
		}
		if filter.ActionPrefix != "" && !hasPrefix(r.Action, filter.ActionPrefix) {
			continue
		}
		if filter.ResourceType != "" && r.ResourceType != filter.ResourceType {
			continue
		}
		if filter.Outcome != "" && r.Outcome != filter.Outcome {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && r.CreatedAt.After(*filter.Until) {
			continue
		}
		out = append(out, r)
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Len returns the number of persisted records.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
