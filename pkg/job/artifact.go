package job

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Producer identifies the role that generated an artifact version.
type Producer string

const (
	ProducerArchitect     Producer = "ARCHITECT"
	ProducerBackendCoder  Producer = "BACKEND_CODER"
	ProducerFrontendCoder Producer = "FRONTEND_CODER"
	ProducerCoach         Producer = "COACH"
)

// ArtifactType is a coarse classification derived from the file path.
type ArtifactType string

const (
	TypeContract   ArtifactType = "CONTRACT"
	TypeSchema     ArtifactType = "SCHEMA"
	TypeEntity     ArtifactType = "ENTITY"
	TypeMapper     ArtifactType = "MAPPER"
	TypeService    ArtifactType = "SERVICE"
	TypeController ArtifactType = "CONTROLLER"
	TypeConfig     ArtifactType = "CONFIG"
	TypeTest       ArtifactType = "TEST"
	TypeFrontend   ArtifactType = "FRONTEND"
	TypeOther      ArtifactType = "OTHER"
)

// Artifact is one version of one generated file. Versions are never
// updated in place; a repair appends a new record for the same path.
type Artifact struct {
	CreatedAt      time.Time    `json:"created_at"`
	ValidatedAt    *time.Time   `json:"validated_at,omitempty"`
	ID             string       `json:"id"`
	JobID          string       `json:"job_id"`
	FilePath       string       `json:"file_path"`
	FileName       string       `json:"file_name"`
	Content        string       `json:"content,omitempty"`
	Language       string       `json:"language"`
	Type           ArtifactType `json:"artifact_type"`
	GeneratedBy    Producer     `json:"generated_by"`
	Checksum       string       `json:"checksum"`
	ParentID       string       `json:"parent_artifact_id,omitempty"`
	CompilerOutput string       `json:"compiler_output,omitempty"`
	Round          int          `json:"generation_round"`
	Version        int          `json:"version"`
	HasErrors      bool         `json:"has_errors"`
}

// NewArtifact builds the first version of a file.
func NewArtifact(jobID, filePath, content string, by Producer, round int) *Artifact {
	filePath = strings.TrimSpace(filePath)
	name := path.Base(filePath)
	return &Artifact{
		ID:          uuid.NewString(),
		JobID:       jobID,
		FilePath:    filePath,
		FileName:    name,
		Content:     content,
		Language:    LanguageOf(name),
		Type:        TypeOf(filePath),
		GeneratedBy: by,
		Checksum:    Checksum(content),
		Round:       round,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	}
}

// NextVersion returns the successor of a in the (job, path) chain.
// The receiver is left untouched.
func (a *Artifact) NextVersion(content string, by Producer) *Artifact {
	return &Artifact{
		ID:          uuid.NewString(),
		JobID:       a.JobID,
		FilePath:    a.FilePath,
		FileName:    a.FileName,
		Content:     content,
		Language:    a.Language,
		Type:        a.Type,
		GeneratedBy: by,
		Checksum:    Checksum(content),
		ParentID:    a.ID,
		Round:       a.Round + 1,
		Version:     a.Version + 1,
		CreatedAt:   time.Now().UTC(),
	}
}

// MarkError attaches compiler output to a failing version.
func (a *Artifact) MarkError(output string) {
	now := time.Now().UTC()
	a.HasErrors = true
	a.CompilerOutput = output
	a.ValidatedAt = &now
}

// MarkValid clears any attached compiler output.
func (a *Artifact) MarkValid() {
	now := time.Now().UTC()
	a.HasErrors = false
	a.CompilerOutput = ""
	a.ValidatedAt = &now
}

// Checksum is the hex SHA-256 of content.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Latest reduces a set of versions to the current one per path, ordered by path.
func Latest(artifacts []*Artifact) []*Artifact {
	byPath := make(map[string]*Artifact, len(artifacts))
	for _, a := range artifacts {
		if a == nil {
			continue
		}
		cur, ok := byPath[a.FilePath]
		if !ok || a.Round > cur.Round || (a.Round == cur.Round && a.Version > cur.Version) {
			byPath[a.FilePath] = a
		}
	}
	out := make([]*Artifact, 0, len(byPath))
	for _, a := range byPath {
		out = append(out, a)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FilePath < out[k].FilePath })
	return out
}

// TypeOf classifies a file path.
func TypeOf(filePath string) ArtifactType {
	p := strings.ToLower(filePath)
	switch {
	case p == "":
		return TypeOther
	case strings.Contains(p, "openapi") || strings.HasSuffix(p, ".yaml") || strings.HasSuffix(p, ".yml"):
		return TypeContract
	case strings.Contains(p, "schema") && strings.HasSuffix(p, ".sql"):
		return TypeSchema
	case strings.Contains(p, "/entity/") || strings.Contains(p, "/model/") || strings.Contains(p, "/domain/"):
		return TypeEntity
	case strings.Contains(p, "/mapper/") || strings.Contains(p, "/repository/") || strings.Contains(p, "/dao/"):
		return TypeMapper
	case strings.Contains(p, "/service/"):
		return TypeService
	case strings.Contains(p, "/controller/") || strings.Contains(p, "/rest/") || strings.Contains(p, "/api/"):
		return TypeController
	case strings.Contains(p, "/config/") || strings.Contains(p, "application"):
		return TypeConfig
	case strings.Contains(p, "/test/") || strings.HasSuffix(p, "test.java") || strings.Contains(p, ".spec."):
		return TypeTest
	case strings.HasSuffix(p, ".tsx") || strings.HasSuffix(p, ".jsx") || strings.Contains(p, "/components/"):
		return TypeFrontend
	}
	return TypeOther
}

// LanguageOf infers the source language from a file name; unknown names are java.
func LanguageOf(fileName string) string {
	n := strings.ToLower(fileName)
	switch {
	case strings.HasSuffix(n, ".ts"), strings.HasSuffix(n, ".tsx"):
		return "typescript"
	case strings.HasSuffix(n, ".js"), strings.HasSuffix(n, ".jsx"):
		return "javascript"
	case strings.HasSuffix(n, ".sql"):
		return "sql"
	case strings.HasSuffix(n, ".yaml"), strings.HasSuffix(n, ".yml"):
		return "yaml"
	case strings.HasSuffix(n, ".xml"):
		return "xml"
	case strings.HasSuffix(n, ".json"):
		return "json"
	case strings.HasSuffix(n, ".properties"):
		return "properties"
	}
	return "java"
}
