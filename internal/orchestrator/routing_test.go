package orchestrator

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/models"
	"github.com/nulpointcorp/llm-gateway/internal/providers/testprov"
)

func newTestOrchestrator(allowed []string) *Orchestrator {
	np := models.NamedProvider{
		Name:          "test",
		Provider:      testprov.New(testprov.Options{}),
		AllowedModels: allowed,
	}
	return &Orchestrator{providers: map[string]models.NamedProvider{"test": np}}
}

func TestResolveRoute_Valid(t *testing.T) {
	o := newTestOrchestrator(nil)
	rt, ok := o.resolveRoute("test/test-model")
	if !ok {
		t.Fatal("expected route to resolve")
	}
	if rt.providerName != "test" || rt.modelName != "test-model" {
		t.Errorf("got provider=%q model=%q", rt.providerName, rt.modelName)
	}
}

func TestResolveRoute_UnknownProvider(t *testing.T) {
	o := newTestOrchestrator(nil)
	if _, ok := o.resolveRoute("openai/gpt-4o"); ok {
		t.Error("expected unknown provider to fail resolution")
	}
}

func TestResolveRoute_NoSlash(t *testing.T) {
	o := newTestOrchestrator(nil)
	if _, ok := o.resolveRoute("test-model"); ok {
		t.Error("expected model without provider prefix to fail resolution")
	}
}

func TestResolveRoute_EmptyProviderOrModel(t *testing.T) {
	o := newTestOrchestrator(nil)
	cases := []string{"/test-model", "test/", "/"}
	for _, c := range cases {
		if _, ok := o.resolveRoute(c); ok {
			t.Errorf("expected %q to fail resolution", c)
		}
	}
}

func TestResolveRoute_AllowListBlocksUnlistedModel(t *testing.T) {
	o := newTestOrchestrator([]string{"allowed-model"})
	if _, ok := o.resolveRoute("test/other-model"); ok {
		t.Error("expected model outside allow-list to fail resolution")
	}
	if _, ok := o.resolveRoute("test/allowed-model"); !ok {
		t.Error("expected allow-listed model to resolve")
	}
}

func TestResolveRoute_EmptyAllowListPermitsAnyModel(t *testing.T) {
	o := newTestOrchestrator(nil)
	if _, ok := o.resolveRoute("test/anything-at-all"); !ok {
		t.Error("expected empty allow-list to permit any model name")
	}
}

func TestContains(t *testing.T) {
	list := []string{"a", "b", "c"}
	if !contains(list, "b") {
		t.Error("expected list to contain b")
	}
	if contains(list, "z") {
		t.Error("expected list not to contain z")
	}
	if contains(nil, "a") {
		t.Error("expected nil list to contain nothing")
	}
}
