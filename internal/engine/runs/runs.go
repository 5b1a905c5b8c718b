// Package runs implements the lifecycle of assessment runs inside a
// ModuleProgress record.
//
// The run being edited is always a real entry of ModuleProgress.Runs. Before
// the user gives it a context it is provisional. Operations never fail. An
// operation that does not apply (unknown run, module not started) leaves the
// record untouched and reports changed=false.
package runs

import (
	"time"

	"github.com/google/uuid"

	"selfaudit/internal/domain"
)

const (
	DefaultCurrentName = "Current assessment"
	DefaultArchiveName = "Previous assessment"
)

// Manager applies run transitions. The zero value is usable.
type Manager struct {
	Now   func() time.Time
	NewID func() string
	// CurrentName labels the provisional live run; ArchiveName labels a
	// provisional run archived by StartNewRun.
	CurrentName string
	ArchiveName string
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m Manager) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (m Manager) currentName() string {
	if m.CurrentName != "" {
		return m.CurrentName
	}
	return DefaultCurrentName
}

func (m Manager) archiveName() string {
	if m.ArchiveName != "" {
		return m.ArchiveName
	}
	return DefaultArchiveName
}

// Active returns the run being edited.
func Active(p *domain.ModuleProgress) (*domain.Run, bool) {
	if p == nil || p.ActiveRunID == "" {
		return nil, false
	}
	return Find(p, p.ActiveRunID)
}

// Find returns a pointer into p.Runs.
func Find(p *domain.ModuleProgress, runID string) (*domain.Run, bool) {
	if p == nil {
		return nil, false
	}
	for i := range p.Runs {
		if p.Runs[i].ID == runID {
			return &p.Runs[i], true
		}
	}
	return nil, false
}

// Status is the module state: the active run's status, or not-started.
func Status(p *domain.ModuleProgress) domain.RunStatus {
	if r, ok := Active(p); ok {
		return r.Status
	}
	return domain.StatusNotStarted
}

// History returns every run except the active one, oldest first.
func History(p *domain.ModuleProgress) []domain.Run {
	if p == nil {
		return nil
	}
	out := make([]domain.Run, 0, len(p.Runs))
	for _, r := range p.Runs {
		if r.ID == p.ActiveRunID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Start moves the module to in-progress, creating the provisional live run
// if there is none. Starting a started module is a no-op.
func (m Manager) Start(p *domain.ModuleProgress) bool {
	if p == nil {
		return false
	}
	r, ok := Active(p)
	if !ok {
		r = m.addProvisional(p)
	}
	if r.Status != domain.StatusNotStarted {
		return false
	}
	now := m.now()
	r.Status = domain.StatusInProgress
	r.StartedAt = &now
	p.UpdatedAt = now
	return true
}

// SaveResponse upserts a response into the live run. A not-started module is
// started first; a completed run is reopened so completed_at stays truthful.
func (m Manager) SaveResponse(p *domain.ModuleProgress, resp domain.Response) bool {
	if p == nil || resp.QuestionID == "" {
		return false
	}
	m.Start(p)
	r, _ := Active(p)
	now := m.now()
	if resp.Timestamp.IsZero() {
		resp.Timestamp = now
	}
	if r.Responses == nil {
		r.Responses = map[string]domain.Response{}
	}
	r.Responses[resp.QuestionID] = resp.Clone()
	r.Revision++
	if r.Status == domain.StatusCompleted {
		r.Status = domain.StatusInProgress
		r.CompletedAt = nil
		r.Confidence = ""
	}
	p.UpdatedAt = now
	return true
}

// Complete finishes the live run and stores its confidence snapshot. Only an
// in-progress run can be completed.
func (m Manager) Complete(p *domain.ModuleProgress, summary string, by *domain.Completion) bool {
	r, ok := Active(p)
	if !ok || r.Status != domain.StatusInProgress {
		return false
	}
	now := m.now()
	r.Status = domain.StatusCompleted
	r.CompletedAt = &now
	r.Summary = summary
	if by != nil {
		c := *by
		r.CompletedBy = &c
	}
	r.Confidence = Confidence(r.Responses)
	r.Revision++
	p.UpdatedAt = now
	return true
}

// StartNewRun always creates a fresh, empty, active run and returns its id.
// The run it replaces stays in history; a provisional one with unsaved work is
// relabeled as the archive, and an empty or already snapshotted provisional
// one is dropped.
func (m Manager) StartNewRun(p *domain.ModuleProgress, ctx domain.RunContext) string {
	now := m.now()
	m.supersede(p, now)
	run := domain.Run{
		ID:        m.newID(),
		Context:   ctx,
		Status:    domain.StatusNotStarted,
		Responses: map[string]domain.Response{},
	}
	p.Runs = append(p.Runs, run)
	p.ActiveRunID = run.ID
	p.UpdatedAt = now
	return run.ID
}

// ArchiveCurrent copies the live run into a new archived run labeled ctx and
// leaves the live run as it is. It returns false when there is nothing to
// archive.
func (m Manager) ArchiveCurrent(p *domain.ModuleProgress, ctx domain.RunContext) (string, bool) {
	live, ok := Active(p)
	if !ok || len(live.Responses) == 0 {
		return "", false
	}
	now := m.now()
	snap := live.Clone()
	snap.ID = m.newID()
	snap.Context = ctx
	snap.Provisional = false
	snap.Archived = true
	snap.ArchivedAt = &now
	snap.SnapshotRevision = 0
	snap.SnapshotRunID = ""
	live.SnapshotRevision = live.Revision
	live.SnapshotRunID = snap.ID

	idx := indexOf(p, p.ActiveRunID)
	p.Runs = append(p.Runs, domain.Run{})
	copy(p.Runs[idx+1:], p.Runs[idx:])
	p.Runs[idx] = snap
	p.UpdatedAt = now
	return snap.ID, true
}

// SwitchTo makes runID the live run. Unknown ids are ignored.
func (m Manager) SwitchTo(p *domain.ModuleProgress, runID string) bool {
	if _, ok := Find(p, runID); !ok || p.ActiveRunID == runID {
		return false
	}
	now := m.now()
	m.supersede(p, now)
	target, _ := Find(p, runID)
	target.Archived = false
	target.ArchivedAt = nil
	p.ActiveRunID = runID
	p.UpdatedAt = now
	return true
}

// Delete removes a run. Deleting the live run leaves the module not started.
func (m Manager) Delete(p *domain.ModuleProgress, runID string) bool {
	idx := indexOf(p, runID)
	if idx < 0 {
		return false
	}
	p.Runs = append(p.Runs[:idx], p.Runs[idx+1:]...)
	if p.ActiveRunID == runID {
		p.ActiveRunID = ""
	}
	p.UpdatedAt = m.now()
	return true
}

// Relabel gives a run an explicit context.
func (m Manager) Relabel(p *domain.ModuleProgress, runID string, ctx domain.RunContext) bool {
	r, ok := Find(p, runID)
	if !ok {
		return false
	}
	r.Context = ctx
	r.Provisional = false
	p.UpdatedAt = m.now()
	return true
}

func (m Manager) addProvisional(p *domain.ModuleProgress) *domain.Run {
	run := domain.Run{
		ID:          m.newID(),
		Context:     domain.RunContext{Type: domain.ContextGeneral, Name: m.currentName()},
		Status:      domain.StatusNotStarted,
		Responses:   map[string]domain.Response{},
		Provisional: true,
	}
	p.Runs = append(p.Runs, run)
	p.ActiveRunID = run.ID
	return &p.Runs[len(p.Runs)-1]
}

// supersede retires the live run before another one becomes active.
func (m Manager) supersede(p *domain.ModuleProgress, now time.Time) {
	live, ok := Active(p)
	if !ok {
		return
	}
	if live.Provisional {
		if len(live.Responses) == 0 || snapshotCurrent(p, live) {
			m.Delete(p, live.ID)
			return
		}
		live.Context = domain.RunContext{Type: domain.ContextGeneral, Name: m.archiveName()}
		live.Provisional = false
	}
	live.Archived = true
	live.ArchivedAt = &now
	p.ActiveRunID = ""
}

// snapshotCurrent reports whether live's last explicit archive still exists
// and was taken at live's current revision.
func snapshotCurrent(p *domain.ModuleProgress, live *domain.Run) bool {
	if live.SnapshotRunID == "" || live.SnapshotRevision != live.Revision {
		return false
	}
	_, ok := Find(p, live.SnapshotRunID)
	return ok
}

func indexOf(p *domain.ModuleProgress, runID string) int {
	if p == nil {
		return -1
	}
	for i := range p.Runs {
		if p.Runs[i].ID == runID {
			return i
		}
	}
	return -1
}
