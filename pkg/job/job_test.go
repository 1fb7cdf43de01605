package job

import (
	"errors"
	"strings"
	"testing"
)

func TestNewRejectsBlankRequirement(t *testing.T) {
	for _, req := range []string{"", "   ", "\n\t"} {
		j, err := New(req, nil, 3)
		if j != nil {
			t.Errorf("New(%q) returned a job", req)
		}
		if !IsInvalidInput(err) {
			t.Errorf("New(%q) error = %v, want InvalidInputError", req, err)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	j, err := New("  build a todo API ", &Blueprint{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if j.Status != StatusQueued {
		t.Errorf("status = %s, want QUEUED", j.Status)
	}
	if j.MaxRounds != DefaultMaxRounds {
		t.Errorf("max rounds = %d, want %d", j.MaxRounds, DefaultMaxRounds)
	}
	if j.Requirement != "build a todo API" {
		t.Errorf("requirement not trimmed: %q", j.Requirement)
	}
	if j.BlueprintEnabled {
		t.Error("empty blueprint should not enable blueprint mode")
	}
}

func TestDesignImmutableAfterLock(t *testing.T) {
	j, _ := New("req", nil, 3)
	if err := j.SetDesign("openapi: 3.0.0", "CREATE TABLE t (id INT PRIMARY KEY);"); err != nil {
		t.Fatalf("SetDesign before lock: %v", err)
	}
	j.LockContract()
	if err := j.SetDesign("changed", "changed"); !errors.Is(err, ErrContractLocked) {
		t.Fatalf("SetDesign after lock error = %v, want ErrContractLocked", err)
	}
	if j.ContractYAML != "openapi: 3.0.0" {
		t.Errorf("contract mutated after lock: %q", j.ContractYAML)
	}
}

func TestNextRoundBounded(t *testing.T) {
	j, _ := New("req", nil, 2)
	for i := 0; i < 2; i++ {
		if err := j.NextRound(); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	var exhausted *RepairBudgetExhaustedError
	if err := j.NextRound(); !errors.As(err, &exhausted) {
		t.Fatalf("third NextRound error = %v, want RepairBudgetExhaustedError", err)
	}
	if j.CurrentRound != 2 {
		t.Errorf("current round = %d, want 2", j.CurrentRound)
	}
}

func TestSetStatusTimestamps(t *testing.T) {
	j, _ := New("req", nil, 3)
	j.SetStatus(StatusPlanning)
	if j.StartedAt == nil {
		t.Fatal("StartedAt not set on PLANNING")
	}
	started := *j.StartedAt
	j.SetStatus(StatusCoding)
	j.SetStatus(StatusPlanning)
	if !j.StartedAt.Equal(started) {
		t.Error("StartedAt should be set only once")
	}
	j.SetStatus(StatusFailed)
	if j.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal status")
	}
}

func TestArtifactNextVersion(t *testing.T) {
	a := NewArtifact("job", "src/main/java/com/acme/service/A.java", "class A {}", ProducerBackendCoder, 0)
	if a.Type != TypeService || a.Language != "java" || a.FileName != "A.java" {
		t.Fatalf("unexpected classification: %+v", a)
	}

	b := a.NextVersion("class A { }", ProducerCoach)
	if b.Round != 1 || b.Version != 2 || b.ParentID != a.ID || b.FilePath != a.FilePath {
		t.Errorf("unexpected successor: %+v", b)
	}
	if a.Content != "class A {}" || a.Round != 0 {
		t.Error("NextVersion mutated the original")
	}
	if a.Checksum == b.Checksum {
		t.Error("checksums should differ for different content")
	}
}

func TestLatestPicksHighestRound(t *testing.T) {
	a0 := NewArtifact("job", "A.java", "v0", ProducerBackendCoder, 0)
	b0 := NewArtifact("job", "B.java", "v0", ProducerBackendCoder, 0)
	a1 := a0.NextVersion("v1", ProducerCoach)

	got := Latest([]*Artifact{a1, b0, a0, nil})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].FilePath != "A.java" || got[0].Content != "v1" {
		t.Errorf("A.java current = %+v", got[0])
	}
	if got[1].FilePath != "B.java" || got[1].Round != 0 {
		t.Errorf("B.java current = %+v", got[1])
	}
}

func TestTypeOf(t *testing.T) {
	cases := map[string]ArtifactType{
		"contracts/openapi.yaml":                   TypeContract,
		"db/schema.sql":                            TypeSchema,
		"src/main/java/x/entity/User.java":         TypeEntity,
		"src/main/java/x/mapper/UserMapper.java":   TypeMapper,
		"src/main/java/x/controller/UserCtl.java":  TypeController,
		"src/main/resources/application.properties": TypeConfig,
		"web/components/List.tsx":                  TypeFrontend,
		"pom.xml":                                  TypeOther,
	}
	for p, want := range cases {
		if got := TypeOf(p); got != want {
			t.Errorf("TypeOf(%q) = %s, want %s", p, got, want)
		}
	}
}

func TestValidationSummary(t *testing.T) {
	v := NewValidationResult("job", 0, ValidationCompile)
	v.FailureKind = FailureCode
	v.Errors = []ParsedError{
		{File: "A.java", Line: 3, Message: "cannot find symbol", Severity: "error"},
		{File: "B.java", Line: 9, Message: "unchecked", Severity: "warning"},
	}
	s := v.Summary()
	if !strings.Contains(s, "1 errors, 1 warnings") || !strings.Contains(s, "A.java:3") {
		t.Errorf("unexpected summary: %s", s)
	}

	v.Stderr = ""
	v.Stdout = "out"
	if v.Output() != "out" {
		t.Errorf("Output should fall back to stdout")
	}
}
