package graph

import (
	"strings"
	"testing"

	"github.com/shaiso/Kontur/internal/domain"
)

func testRegistries() Registries {
	return Registries{
		PluginKinds: map[string]bool{"http": true, "transform": true},
		SinkKinds:   map[string]bool{"postgres": true},
	}
}

func validSpec() *domain.PlaybookSpec {
	return &domain.PlaybookSpec{
		Name: "sync",
		Steps: []domain.StepDef{
			{
				ID:   "fetch",
				Tool: &domain.ToolSpec{Kind: "http"},
				Next: []domain.EdgeDef{
					{Step: "store", When: `{{ ok "fetch" }}`},
					{Step: "report"},
				},
			},
			{ID: "store", Tool: &domain.ToolSpec{Kind: "transform"}},
			{ID: "report"},
		},
	}
}

func TestBuild(t *testing.T) {
	g := Build(validSpec())

	if g.Entry != "fetch" {
		t.Errorf("entry = %q, want fetch", g.Entry)
	}
	if g.Size() != 3 {
		t.Errorf("size = %d, want 3", g.Size())
	}

	fetch := g.Node("fetch")
	if fetch == nil || len(fetch.Edges) != 2 {
		t.Fatalf("fetch node = %+v", fetch)
	}
	if !fetch.HasTool() || fetch.HasLoop() {
		t.Error("fetch should have a tool and no loop")
	}

	store := g.Node("store")
	if len(store.Callers) != 1 || store.Callers[0] != "fetch" {
		t.Errorf("store callers = %v", store.Callers)
	}

	if g.Node("missing") != nil {
		t.Error("unknown step returned a node")
	}
}

func TestBuildEmptySpec(t *testing.T) {
	g := Build(&domain.PlaybookSpec{})
	if g.Entry != "" || g.Size() != 0 {
		t.Errorf("empty spec graph = %+v", g)
	}
}

func TestValidateAcceptsValidSpec(t *testing.T) {
	if issues := Validate(validSpec(), testRegistries()); len(issues) != 0 {
		t.Errorf("unexpected issues: %v", issues)
	}
}

func hasIssue(issues []Issue, fragment string) bool {
	for _, issue := range issues {
		if strings.Contains(issue.String(), fragment) {
			return true
		}
	}
	return false
}

func TestValidateRejectsEmptyPlaybook(t *testing.T) {
	issues := Validate(&domain.PlaybookSpec{}, testRegistries())
	if !hasIssue(issues, "no steps") {
		t.Errorf("issues = %v", issues)
	}
	issues = Validate(nil, testRegistries())
	if !hasIssue(issues, "no steps") {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidateDuplicateStepID(t *testing.T) {
	spec := &domain.PlaybookSpec{Steps: []domain.StepDef{
		{ID: "a"}, {ID: "a"},
	}}
	if issues := Validate(spec, testRegistries()); !hasIssue(issues, "duplicate step ID") {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidateUnknownPluginKind(t *testing.T) {
	spec := &domain.PlaybookSpec{Steps: []domain.StepDef{
		{ID: "a", Tool: &domain.ToolSpec{Kind: "ftp"}},
	}}
	if issues := Validate(spec, testRegistries()); !hasIssue(issues, "unknown plugin kind: ftp") {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidateUnknownSinkKind(t *testing.T) {
	spec := &domain.PlaybookSpec{Steps: []domain.StepDef{
		{ID: "a", Sinks: []domain.SinkSpec{{ID: "s", Kind: "kafka"}}},
	}}
	if issues := Validate(spec, testRegistries()); !hasIssue(issues, "unknown sink kind: kafka") {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidateEdgeRules(t *testing.T) {
	spec := &domain.PlaybookSpec{Steps: []domain.StepDef{
		{ID: "a", Next: []domain.EdgeDef{
			{Step: "ghost"},
			{Step: "a"},
		}},
	}}
	issues := Validate(spec, testRegistries())
	if !hasIssue(issues, "unknown step: ghost") {
		t.Errorf("missing target not reported: %v", issues)
	}
	if !hasIssue(issues, "more than one edge without a condition") {
		t.Errorf("double else-edge not reported: %v", issues)
	}
}

func TestValidateLoopSpec(t *testing.T) {
	spec := &domain.PlaybookSpec{Steps: []domain.StepDef{
		{
			ID:   "a",
			Tool: &domain.ToolSpec{Kind: "http"},
			Loop: &domain.LoopSpec{Mode: "zigzag", SuccessThreshold: 1.5},
		},
	}}
	issues := Validate(spec, testRegistries())
	for _, fragment := range []string{
		"loop collection expression is empty",
		"loop element name is empty",
		"unknown loop mode: zigzag",
		"success_threshold",
	} {
		if !hasIssue(issues, fragment) {
			t.Errorf("missing issue %q in %v", fragment, issues)
		}
	}
}

func TestValidateLoopSuccessThresholdBounds(t *testing.T) {
	specFor := func(threshold float64) *domain.PlaybookSpec {
		return &domain.PlaybookSpec{Steps: []domain.StepDef{
			{
				ID:   "a",
				Tool: &domain.ToolSpec{Kind: "http"},
				Loop: &domain.LoopSpec{In: "{{ json .Input.items }}", As: "item", SuccessThreshold: threshold},
			},
		}}
	}

	// Ноль — строгий режим по умолчанию, не ошибка.
	for _, valid := range []float64{0, 0.5, 1} {
		if issues := Validate(specFor(valid), testRegistries()); hasIssue(issues, "success_threshold") {
			t.Errorf("threshold %v rejected: %v", valid, issues)
		}
	}
	for _, invalid := range []float64{-0.1, 1.1} {
		if issues := Validate(specFor(invalid), testRegistries()); !hasIssue(issues, "success_threshold") {
			t.Errorf("threshold %v accepted", invalid)
		}
	}
}

func TestValidateCollectRules(t *testing.T) {
	spec := &domain.PlaybookSpec{Steps: []domain.StepDef{
		{
			ID:     "a",
			Tool:   &domain.ToolSpec{Kind: "http"},
			Result: &domain.ResultSpec{Collect: &domain.CollectSpec{Kind: "map"}},
		},
	}}
	issues := Validate(spec, testRegistries())
	if !hasIssue(issues, "collect requires a loop spec") {
		t.Errorf("collect without loop not reported: %v", issues)
	}
	if !hasIssue(issues, "collect target is empty") {
		t.Errorf("empty target not reported: %v", issues)
	}
	if !hasIssue(issues, "map-mode collect requires a key") {
		t.Errorf("missing map key not reported: %v", issues)
	}
}

func TestValidateOnFailurePolicy(t *testing.T) {
	spec := validSpec()
	spec.OnFailure = "explode"
	if issues := Validate(spec, testRegistries()); !hasIssue(issues, "unknown failure policy") {
		t.Errorf("issues = %v", issues)
	}

	spec.OnFailure = domain.FailureContinue
	if issues := Validate(spec, testRegistries()); len(issues) != 0 {
		t.Errorf("valid policy rejected: %v", issues)
	}
}

func TestValidateOnErrorReference(t *testing.T) {
	spec := &domain.PlaybookSpec{Steps: []domain.StepDef{
		{ID: "a", OnError: "ghost"},
	}}
	if issues := Validate(spec, testRegistries()); !hasIssue(issues, "references unknown step: ghost") {
		t.Errorf("issues = %v", issues)
	}
}
