// Package memory provides an in-memory persistence implementation for tests
// and local development. It mirrors the relational semantics the engine
// relies on: the step unique constraint and the named try-lock.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/persistence"
	"github.com/google/uuid"
)

// Persistence implements persistence.Persistence over process-local maps.
type Persistence struct {
	mu sync.RWMutex

	templates map[string]*models.WorkflowTemplate
	instances map[string]*models.WorkflowInstance
	steps     map[string]*models.ActiveStep
	stepIndex map[stepKey]string // (instance, node, branch) -> step id
	history   map[string][]*models.WorkflowHistory

	locks *lockManager
}

type stepKey struct {
	instanceID string
	nodeID     string
	branchID   string
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		templates: make(map[string]*models.WorkflowTemplate),
		instances: make(map[string]*models.WorkflowInstance),
		steps:     make(map[string]*models.ActiveStep),
		stepIndex: make(map[stepKey]string),
		history:   make(map[string][]*models.WorkflowHistory),
		locks:     newLockManager(),
	}
}

func (p *Persistence) TemplateRepository() persistence.TemplateRepository { return templateRepo{p} }
func (p *Persistence) InstanceRepository() persistence.InstanceRepository { return instanceRepo{p} }
func (p *Persistence) StepRepository() persistence.StepRepository         { return stepRepo{p} }
func (p *Persistence) HistoryRepository() persistence.HistoryRepository   { return historyRepo{p} }
func (p *Persistence) Locks() persistence.LockManager                     { return p.locks }

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }

func (p *Persistence) Close(ctx context.Context) error { return nil }

// --- templates ---

type templateRepo struct{ p *Persistence }

func (r templateRepo) List(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	templates := make([]*models.WorkflowTemplate, 0, len(r.p.templates))
	for _, template := range r.p.templates {
		if template.DeletedAt == nil {
			templates = append(templates, cloneTemplate(template))
		}
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].CreatedAt.Before(templates[j].CreatedAt) })

	return templates, nil
}

func (r templateRepo) GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	template, ok := r.p.templates[id]
	if !ok || template.DeletedAt != nil {
		return nil, nil
	}

	return cloneTemplate(template), nil
}

func (r templateRepo) Save(ctx context.Context, template *models.WorkflowTemplate) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	if template.ID == "" {
		template.ID = uuid.New().String()
		template.CreatedAt = now
	}

	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	template.UpdatedAt = now
	r.p.templates[template.ID] = cloneTemplate(template)

	return nil
}

func (r templateRepo) Delete(ctx context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.templates[id]; !ok {
		return persistence.ErrTemplateNotFound
	}

	delete(r.p.templates, id)

	return nil
}

// --- instances ---

type instanceRepo struct{ p *Persistence }

func (r instanceRepo) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	instance, ok := r.p.instances[id]
	if !ok {
		return nil, nil
	}

	return cloneInstance(instance), nil
}

func (r instanceRepo) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	if instance.ID == "" {
		instance.ID = uuid.New().String()
		instance.CreatedAt = now
	}

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now
	r.p.instances[instance.ID] = cloneInstance(instance)

	return nil
}

func (r instanceRepo) ListByTemplate(ctx context.Context, templateID string) ([]*models.WorkflowInstance, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var instances []*models.WorkflowInstance

	for _, instance := range r.p.instances {
		if instance.TemplateID == templateID {
			instances = append(instances, cloneInstance(instance))
		}
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].CreatedAt.Before(instances[j].CreatedAt) })

	return instances, nil
}

func (r instanceRepo) ListBySubject(ctx context.Context, subject models.SubjectRef) ([]*models.WorkflowInstance, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var instances []*models.WorkflowInstance

	for _, instance := range r.p.instances {
		if instance.Subject.Key() == subject.Key() {
			instances = append(instances, cloneInstance(instance))
		}
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].CreatedAt.Before(instances[j].CreatedAt) })

	return instances, nil
}

// --- steps ---

type stepRepo struct{ p *Persistence }

func (r stepRepo) GetByID(ctx context.Context, id string) (*models.ActiveStep, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	step, ok := r.p.steps[id]
	if !ok {
		return nil, nil
	}

	return cloneStep(step), nil
}

func (r stepRepo) Create(ctx context.Context, step *models.ActiveStep) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	key := stepKey{step.InstanceID, step.NodeID, step.BranchID}
	if _, exists := r.p.stepIndex[key]; exists {
		return persistence.NewStepError("Create", step.InstanceID, step.NodeID, step.BranchID,
			persistence.ErrDuplicateStep)
	}

	now := time.Now().UTC()

	if step.ID == "" {
		step.ID = uuid.New().String()
	}

	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}

	step.UpdatedAt = now

	r.p.steps[step.ID] = cloneStep(step)
	r.p.stepIndex[key] = step.ID

	return nil
}

func (r stepRepo) Update(ctx context.Context, step *models.ActiveStep) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.steps[step.ID]; !ok {
		return persistence.ErrStepNotFound
	}

	step.UpdatedAt = time.Now().UTC()
	r.p.steps[step.ID] = cloneStep(step)

	return nil
}

func (r stepRepo) Find(ctx context.Context, instanceID, nodeID, branchID string) (*models.ActiveStep, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	id, ok := r.p.stepIndex[stepKey{instanceID, nodeID, branchID}]
	if !ok {
		return nil, nil
	}

	return cloneStep(r.p.steps[id]), nil
}

func (r stepRepo) ListByInstance(ctx context.Context, instanceID string, statuses ...models.StepStatus) ([]*models.ActiveStep, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var steps []*models.ActiveStep

	for _, step := range r.p.steps {
		if step.InstanceID == instanceID && matchesStatus(step, statuses) {
			steps = append(steps, cloneStep(step))
		}
	}

	sortSteps(steps)

	return steps, nil
}

func (r stepRepo) ListAtNode(ctx context.Context, instanceID, nodeID string, statuses ...models.StepStatus) ([]*models.ActiveStep, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var steps []*models.ActiveStep

	for _, step := range r.p.steps {
		if step.InstanceID == instanceID && step.NodeID == nodeID && matchesStatus(step, statuses) {
			steps = append(steps, cloneStep(step))
		}
	}

	sortSteps(steps)

	return steps, nil
}

func (r stepRepo) ListOpen(ctx context.Context) ([]*models.ActiveStep, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var steps []*models.ActiveStep

	for _, step := range r.p.steps {
		if step.Open() {
			steps = append(steps, cloneStep(step))
		}
	}

	sortSteps(steps)

	return steps, nil
}

// --- history ---

type historyRepo struct{ p *Persistence }

func (r historyRepo) Append(ctx context.Context, record *models.WorkflowHistory) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	cloned := *record
	r.p.history[record.InstanceID] = append(r.p.history[record.InstanceID], &cloned)

	return nil
}

func (r historyRepo) ListByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowHistory, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	records := r.p.history[instanceID]
	out := make([]*models.WorkflowHistory, len(records))

	for i, record := range records {
		cloned := *record
		out[i] = &cloned
	}

	return out, nil
}

// --- locks ---

type lockManager struct {
	mu    sync.Mutex
	locks map[string]bool
}

func newLockManager() *lockManager {
	return &lockManager{locks: make(map[string]bool)}
}

func (l *lockManager) Acquire(ctx context.Context, instanceID, nodeID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := instanceID + "/" + nodeID
	if l.locks[key] {
		return false, nil
	}

	l.locks[key] = true

	return true, nil
}

func (l *lockManager) Release(ctx context.Context, instanceID, nodeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.locks, instanceID+"/"+nodeID)

	return nil
}

// --- helpers ---

func matchesStatus(step *models.ActiveStep, statuses []models.StepStatus) bool {
	if len(statuses) == 0 {
		return true
	}

	for _, status := range statuses {
		if step.Status == status {
			return true
		}
	}

	return false
}

func sortSteps(steps []*models.ActiveStep) {
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].ID < steps[j].ID
		}

		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
}

func cloneTemplate(template *models.WorkflowTemplate) *models.WorkflowTemplate {
	cloned := *template

	cloned.Nodes = make([]*models.WorkflowNode, len(template.Nodes))
	for i, node := range template.Nodes {
		n := *node
		cloned.Nodes[i] = &n
	}

	cloned.Connections = make([]*models.WorkflowConnection, len(template.Connections))
	for i, connection := range template.Connections {
		c := *connection
		cloned.Connections[i] = &c
	}

	return &cloned
}

func cloneInstance(instance *models.WorkflowInstance) *models.WorkflowInstance {
	cloned := *instance

	return &cloned
}

func cloneStep(step *models.ActiveStep) *models.ActiveStep {
	cloned := *step

	return &cloned
}
