// Package planning keeps the per-job planning documents (task plan, notes
// and project context) that bound agent prompt size across repair rounds.
package planning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"g3/pkg/job"
	"g3/pkg/logx"
	"g3/pkg/utils"
)

// FileType is one of the three planning documents of a job.
type FileType string

const (
	TaskPlan FileType = "task_plan"
	Notes    FileType = "notes"
	Context  FileType = "context"
)

// FileTypes lists every document type in display order.
var FileTypes = []FileType{TaskPlan, Notes, Context}

// ParseFileType validates a stored or requested type.
func ParseFileType(s string) (FileType, error) {
	switch t := FileType(strings.ToLower(strings.TrimSpace(s))); t {
	case TaskPlan, Notes, Context:
		return t, nil
	}
	return "", fmt.Errorf("unknown planning file type %q", s)
}

// Updater is the provenance tag of the last write.
type Updater string

const (
	BySystem    Updater = "system"
	ByArchitect Updater = "architect"
	ByCoder     Updater = "coder"
	ByCoach     Updater = "coach"
	ByUser      Updater = "user"
)

// ParseUpdater validates a provenance tag.
func ParseUpdater(s string) (Updater, error) {
	switch u := Updater(strings.ToLower(strings.TrimSpace(s))); u {
	case BySystem, ByArchitect, ByCoder, ByCoach, ByUser:
		return u, nil
	}
	return "", fmt.Errorf("unknown planning updater %q", s)
}

// ErrNotFound is returned when a job has no document of the requested type.
var ErrNotFound = errors.New("planning file not found")

// File is one planning document.
type File struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Type      FileType  `json:"file_type"`
	Content   string    `json:"content"`
	UpdatedBy Updater   `json:"last_updated_by"`
	Version   int       `json:"version"`
}

// Repository stores planning documents. UpdatePlanningFile bumps Version
// and UpdatedAt on the stored record and copies them back into f.
type Repository interface {
	CreatePlanningFile(ctx context.Context, f *File) error
	GetPlanningFile(ctx context.Context, jobID string, t FileType) (*File, error)
	UpdatePlanningFile(ctx context.Context, f *File) error
	ListPlanningFiles(ctx context.Context, jobID string) ([]*File, error)
	DeletePlanningFiles(ctx context.Context, jobID string) (int64, error)
}

// DefaultBasePackage is the Java package root of generated projects.
const DefaultBasePackage = "com.g3.app"

// Store applies whole-document and structured operations to the planning
// documents of jobs.
type Store struct {
	repo   Repository
	logger *logx.Logger
	now    func() time.Time
	// Serialises read-modify-write of one document.
	mu sync.Mutex
}

// NewStore creates a store over repo.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:   repo,
		logger: logx.NewLogger("planning"),
		now:    time.Now,
	}
}

// Initialize writes the initial task plan, notes and context documents.
func (s *Store) Initialize(ctx context.Context, jobID, projectName, requirement, basePackage string) error {
	if basePackage == "" {
		basePackage = DefaultBasePackage
	}
	ts := s.timestamp()
	docs := map[FileType]string{
		TaskPlan: initialTaskPlan(projectName, requirement, ts),
		Notes:    initialNotes(projectName, ts),
		Context:  initialContext(projectName, basePackage, ts),
	}
	for _, t := range FileTypes {
		if _, err := s.Create(ctx, jobID, t, docs[t], BySystem); err != nil {
			return err
		}
	}
	s.logger.Debug("initialized planning files for job %s", jobID)
	return nil
}

// Create stores a new document at version 1.
func (s *Store) Create(ctx context.Context, jobID string, t FileType, content string, by Updater) (*File, error) {
	now := s.now().UTC()
	f := &File{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Type:      t,
		Content:   content,
		UpdatedBy: by,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreatePlanningFile(ctx, f); err != nil {
		return nil, fmt.Errorf("create %s for job %s: %w", t, jobID, err)
	}
	return f, nil
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, jobID string, t FileType) (*File, error) {
	f, err := s.repo.GetPlanningFile(ctx, jobID, t)
	if err != nil {
		return nil, fmt.Errorf("get %s for job %s: %w", t, jobID, err)
	}
	return f, nil
}

// List returns every document of a job.
func (s *Store) List(ctx context.Context, jobID string) ([]*File, error) {
	files, err := s.repo.ListPlanningFiles(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list planning files for job %s: %w", jobID, err)
	}
	return files, nil
}

// Content returns the document text, or "" when it does not exist.
func (s *Store) Content(ctx context.Context, jobID string, t FileType) string {
	f, err := s.repo.GetPlanningFile(ctx, jobID, t)
	if err != nil {
		return ""
	}
	return f.Content
}

// Update replaces a document. The document must exist.
func (s *Store) Update(ctx context.Context, jobID string, t FileType, content string, by Updater) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replace(ctx, jobID, t, by, func(string) string { return content })
}

// Append adds text on a new line. The document must exist.
func (s *Store) Append(ctx context.Context, jobID string, t FileType, text string, by Updater) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replace(ctx, jobID, t, by, func(cur string) string { return cur + "\n" + text })
}

// Delete removes every document of a job.
func (s *Store) Delete(ctx context.Context, jobID string) (int64, error) {
	n, err := s.repo.DeletePlanningFiles(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete planning files for job %s: %w", jobID, err)
	}
	s.logger.Debug("deleted %d planning files for job %s", n, jobID)
	return n, nil
}

// UpdatePhaseStatus ticks or clears a task plan phase.
func (s *Store) UpdatePhaseStatus(ctx context.Context, jobID string, phase Phase, completed bool, by Updater) error {
	return s.mutate(ctx, jobID, TaskPlan, by, func(c string) string {
		return setPhase(c, phase, completed)
	})
}

// AppendDecision adds a row to the decision log.
func (s *Store) AppendDecision(ctx context.Context, jobID, decision, reason string, by Updater) error {
	ts := s.timestamp()
	return s.mutate(ctx, jobID, TaskPlan, by, func(c string) string {
		return appendDecision(c, ts, decision, reason)
	})
}

// AppendError adds a row to the error log.
func (s *Store) AppendError(ctx context.Context, jobID, errText, resolution string, by Updater) error {
	ts := s.timestamp()
	return s.mutate(ctx, jobID, TaskPlan, by, func(c string) string {
		return appendError(c, ts, errText, resolution)
	})
}

// UpdateStatus rewrites the current status block.
func (s *Store) UpdateStatus(ctx context.Context, jobID, phase string, progress int, state string, by Updater) error {
	return s.mutate(ctx, jobID, TaskPlan, by, func(c string) string {
		return updateStatus(c, phase, progress, state)
	})
}

// UpdateFileList rewrites the list of files to generate.
func (s *Store) UpdateFileList(ctx context.Context, jobID string, files []PlannedFile, by Updater) error {
	return s.mutate(ctx, jobID, TaskPlan, by, func(c string) string {
		return updateFileList(c, files)
	})
}

// AddEntityDesign rewrites the entity section of the notes.
func (s *Store) AddEntityDesign(ctx context.Context, jobID string, entities []Entity, by Updater) error {
	return s.mutate(ctx, jobID, Notes, by, func(c string) string {
		return addEntityDesign(c, entities)
	})
}

// AddAPIDesign rewrites the API section of the notes.
func (s *Store) AddAPIDesign(ctx context.Context, jobID string, apis []API, by Updater) error {
	return s.mutate(ctx, jobID, Notes, by, func(c string) string {
		return addAPIDesign(c, apis)
	})
}

// AddProblemSolution appends to the problems table of the notes.
func (s *Store) AddProblemSolution(ctx context.Context, jobID, problem, solution, reference string, by Updater) error {
	return s.mutate(ctx, jobID, Notes, by, func(c string) string {
		return addProblemSolution(c, problem, solution, reference)
	})
}

// AddGeneratedFile records a generated file in the context index.
func (s *Store) AddGeneratedFile(ctx context.Context, jobID, filePath, className, fileType, status string, by Updater) error {
	ts := s.timestamp()
	return s.mutate(ctx, jobID, Context, by, func(c string) string {
		return addGeneratedFile(c, ts, filePath, className, fileType, status)
	})
}

// UpdateImportIndex replaces the import block of one class kind.
func (s *Store) UpdateImportIndex(ctx context.Context, jobID, kind string, imports []string, by Updater) error {
	return s.mutate(ctx, jobID, Context, by, func(c string) string {
		return updateImportIndex(c, kind, imports)
	})
}

// AddClassSignature records the public surface of a class.
func (s *Store) AddClassSignature(ctx context.Context, jobID, kind, className, signature string, by Updater) error {
	return s.mutate(ctx, jobID, Context, by, func(c string) string {
		return addClassSignature(c, kind, className, signature)
	})
}

// CompactContext returns the import index and class signatures of the
// context document, cut to budget tokens. A missing document yields "".
func (s *Store) CompactContext(ctx context.Context, jobID string, budget int) string {
	content := s.Content(ctx, jobID, Context)
	if content == "" {
		return ""
	}
	compact := compactContext(content)
	if budget > 0 {
		compact = utils.TruncateTokensSimple(compact, budget)
	}
	return compact
}

// IndexArtifacts records each artifact in the context document: the file
// table, the import index per class kind and the public signatures of
// entities and services.
func (s *Store) IndexArtifacts(ctx context.Context, jobID string, artifacts []*job.Artifact, by Updater) error {
	imports := make(map[string][]string)
	for _, a := range artifacts {
		info := describeJava(a)
		if err := s.AddGeneratedFile(ctx, jobID, a.FilePath, info.className, string(a.Type), statusOf(a), by); err != nil {
			return err
		}
		if info.kind == "" || info.qualified == "" {
			continue
		}
		imports[info.kind] = append(imports[info.kind], info.qualified)
		if info.signature != "" && (info.kind == KindEntity || info.kind == KindService) {
			if err := s.AddClassSignature(ctx, jobID, info.kind, info.className, info.signature, by); err != nil {
				return err
			}
		}
	}
	for _, kind := range []string{KindEntity, KindMapper, KindService} {
		if len(imports[kind]) == 0 {
			continue
		}
		if err := s.UpdateImportIndex(ctx, jobID, kind, imports[kind], by); err != nil {
			return err
		}
	}
	return nil
}

func statusOf(a *job.Artifact) string {
	switch {
	case a.HasErrors:
		return "failing"
	case a.GeneratedBy == job.ProducerCoach:
		return "repaired"
	}
	return "generated"
}

// mutate applies fn to a document, creating the document from its initial
// template on first write.
func (s *Store) mutate(ctx context.Context, jobID string, t FileType, by Updater, fn func(string) string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.replace(ctx, jobID, t, by, fn)
	if errors.Is(err, ErrNotFound) {
		initial := s.initialFor(t)
		if _, err = s.Create(ctx, jobID, t, fn(initial), by); err != nil {
			return err
		}
		return nil
	}
	return err
}

func (s *Store) replace(ctx context.Context, jobID string, t FileType, by Updater, fn func(string) string) (*File, error) {
	f, err := s.repo.GetPlanningFile(ctx, jobID, t)
	if err != nil {
		return nil, fmt.Errorf("%s for job %s: %w", t, jobID, err)
	}
	f.Content = fn(f.Content)
	f.UpdatedBy = by
	if err := s.repo.UpdatePlanningFile(ctx, f); err != nil {
		return nil, fmt.Errorf("update %s for job %s: %w", t, jobID, err)
	}
	return f, nil
}

func (s *Store) initialFor(t FileType) string {
	ts := s.timestamp()
	switch t {
	case TaskPlan:
		return initialTaskPlan("g3-app", "", ts)
	case Notes:
		return initialNotes("g3-app", ts)
	}
	return initialContext("g3-app", DefaultBasePackage, ts)
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}
