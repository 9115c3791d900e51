package accesspolicy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmoor/moor/pkg/apiclient"
	"github.com/openmoor/moor/pkg/entity"
)

// fakeIAM is an in-memory policy service.
type fakeIAM struct {
	mu sync.Mutex

	policies    map[string]*policyResource
	createCalls int
	ruleputs    int
	deleteCalls int
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{policies: make(map[string]*policyResource)}
}

func (f *fakeIAM) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/iam/policies", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.createCalls++

		var req policyResource
		_ = json.NewDecoder(r.Body).Decode(&req)
		if _, exists := f.policies[req.Name]; exists {
			writeError(w, http.StatusConflict, "already_exists", "policy name taken")
			return
		}
		f.policies[req.Name] = &req
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(req)
	})

	mux.HandleFunc("GET /v1/iam/policies/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		res, exists := f.policies[r.PathValue("name")]
		if !exists {
			writeError(w, http.StatusNotFound, "not_found", "no such policy")
			return
		}
		_ = json.NewEncoder(w).Encode(res)
	})

	mux.HandleFunc("PUT /v1/iam/policies/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.ruleputs++
		res, exists := f.policies[r.PathValue("name")]
		if !exists {
			writeError(w, http.StatusNotFound, "not_found", "no such policy")
			return
		}
		var req policyResource
		_ = json.NewDecoder(r.Body).Decode(&req)
		res.Description = req.Description
		res.Rules = req.Rules
		_ = json.NewEncoder(w).Encode(res)
	})

	mux.HandleFunc("PUT /v1/iam/policies/{name}/subjects", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		res, exists := f.policies[r.PathValue("name")]
		if !exists {
			writeError(w, http.StatusNotFound, "not_found", "no such policy")
			return
		}
		var req subjectsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		res.Subjects = req.Subjects
		_ = json.NewEncoder(w).Encode(res)
	})

	mux.HandleFunc("DELETE /v1/iam/policies/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.deleteCalls++
		if _, exists := f.policies[r.PathValue("name")]; !exists {
			writeError(w, http.StatusNotFound, "not_found", "no such policy")
			return
		}
		delete(f.policies, r.PathValue("name"))
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func (f *fakeIAM) subjects(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, exists := f.policies[name]; exists {
		return res.Subjects
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func newHarness(t *testing.T) (*entity.Controller, *fakeIAM) {
	t.Helper()

	fake := newFakeIAM()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client := apiclient.New(apiclient.Config{BaseURL: srv.URL, Token: "test-token"})
	registry := entity.NewRegistry(zerolog.Nop())
	require.NoError(t, registry.Register(Descriptor(client)))
	return entity.NewController(registry, zerolog.Nop(), nil), fake
}

func newInstance(t *testing.T, subjects []string) *entity.Instance {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"description": "read access to the data lake",
		"rules": []map[string]string{
			{"resource": "datalake/*", "access": "read"},
		},
		"subjects": subjects,
	})
	require.NoError(t, err)
	return &entity.Instance{
		Namespace: "team-a",
		Name:      "data-readers",
		Type:      TypeName,
		Definition: entity.Definition{
			Raw:  raw,
			Meta: entity.Meta{Version: artifactVersion, VersionHash: "sha-1"},
		},
	}
}

func TestCreateAttachesSubjects(t *testing.T) {
	ctrl, fake := newHarness(t)
	inst := newInstance(t, []string{"group:platform", "user:alice"})

	require.NoError(t, ctrl.Create(context.Background(), inst))

	assert.Equal(t, entity.StatusReady, inst.Status)
	assert.False(t, inst.State.Existing)
	assert.Equal(t, []string{"group:platform", "user:alice"}, fake.subjects("data-readers"))

	var state policyState
	bound, err := inst.State.DecodeProvider(&state)
	require.NoError(t, err)
	require.True(t, bound)
	assert.Equal(t, "data-readers", state.Name)
	assert.Equal(t, []string{"group:platform", "user:alice"}, state.Attached)
}

func TestAdoptKeepsForeignSubjects(t *testing.T) {
	ctrl, fake := newHarness(t)
	fake.policies["data-readers"] = &policyResource{
		Name:     "data-readers",
		Rules:    []rule{{Resource: "legacy/*", Access: "read"}},
		Subjects: []string{"user:legacy"},
	}
	inst := newInstance(t, []string{"group:platform"})

	require.NoError(t, ctrl.Create(context.Background(), inst))

	assert.True(t, inst.State.Existing)
	assert.Zero(t, fake.createCalls, "adoption must not create a duplicate")
	assert.Equal(t, []string{"group:platform", "user:legacy"}, fake.subjects("data-readers"))
}

func TestDeleteAdoptedDetachesOnly(t *testing.T) {
	ctrl, fake := newHarness(t)
	fake.policies["data-readers"] = &policyResource{
		Name:     "data-readers",
		Rules:    []rule{{Resource: "legacy/*", Access: "read"}},
		Subjects: []string{"user:legacy"},
	}
	inst := newInstance(t, []string{"group:platform"})
	require.NoError(t, ctrl.Create(context.Background(), inst))

	require.NoError(t, ctrl.Delete(context.Background(), inst))

	assert.Equal(t, entity.StatusDeleted, inst.Status)
	require.Contains(t, fake.policies, "data-readers", "adopted policies must survive delete")
	assert.Equal(t, []string{"user:legacy"}, fake.subjects("data-readers"))
	assert.Zero(t, fake.deleteCalls)
}

func TestDeleteCreatedDestroysPolicy(t *testing.T) {
	ctrl, fake := newHarness(t)
	inst := newInstance(t, []string{"user:alice"})
	require.NoError(t, ctrl.Create(context.Background(), inst))

	require.NoError(t, ctrl.Delete(context.Background(), inst))
	assert.NotContains(t, fake.policies, "data-readers")
}

func TestReleaseToleratesVanishedPolicy(t *testing.T) {
	ctrl, fake := newHarness(t)
	fake.policies["data-readers"] = &policyResource{
		Name:  "data-readers",
		Rules: []rule{{Resource: "x/*", Access: "read"}},
	}
	inst := newInstance(t, []string{"group:platform"})
	require.NoError(t, ctrl.Create(context.Background(), inst))

	fake.mu.Lock()
	delete(fake.policies, "data-readers")
	fake.mu.Unlock()

	require.NoError(t, ctrl.Delete(context.Background(), inst))
	assert.Equal(t, entity.StatusDeleted, inst.Status)
}

func TestUpdateReconcilesAttachments(t *testing.T) {
	ctrl, fake := newHarness(t)
	inst := newInstance(t, []string{"user:alice", "user:bob"})
	require.NoError(t, ctrl.Create(context.Background(), inst))

	// A foreign attachment appears out of band.
	fake.mu.Lock()
	fake.policies["data-readers"].Subjects = append(
		fake.policies["data-readers"].Subjects, "user:zoe")
	fake.mu.Unlock()

	raw, err := json.Marshal(map[string]any{
		"description": "read access to the data lake",
		"rules": []map[string]string{
			{"resource": "datalake/*", "access": "admin"},
		},
		"subjects": []string{"user:bob", "user:carol"},
	})
	require.NoError(t, err)
	inst.Definition.Raw = raw

	require.NoError(t, ctrl.Update(context.Background(), inst))

	// alice (no longer wanted) is gone, zoe (foreign) survives.
	assert.Equal(t, []string{"user:bob", "user:carol", "user:zoe"}, fake.subjects("data-readers"))
	assert.Equal(t, "admin", fake.policies["data-readers"].Rules[0].Access)

	var state policyState
	_, err = inst.State.DecodeProvider(&state)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:bob", "user:carol"}, state.Attached)
}

func TestUpdateSkipsWhenUnchanged(t *testing.T) {
	ctrl, fake := newHarness(t)
	inst := newInstance(t, []string{"user:alice"})
	require.NoError(t, ctrl.Create(context.Background(), inst))

	require.NoError(t, ctrl.Update(context.Background(), inst))
	assert.Zero(t, fake.ruleputs, "an unchanged definition must not touch the platform")
}

func TestAttachDetachActions(t *testing.T) {
	ctrl, fake := newHarness(t)
	inst := newInstance(t, []string{"user:alice"})
	require.NoError(t, ctrl.Create(context.Background(), inst))

	out, err := ctrl.Invoke(context.Background(), inst, "attach", map[string]any{"subject": "user:dave"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:alice", "user:dave"}, fake.subjects("data-readers"))
	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"user:alice", "user:dave"}, result["subjects"])

	_, err = ctrl.Invoke(context.Background(), inst, "detach", map[string]any{"subject": "user:alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:dave"}, fake.subjects("data-readers"))

	// Detached subjects drop out of the release set too.
	var state policyState
	_, err = inst.State.DecodeProvider(&state)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:dave"}, state.Attached)
}

func TestActionRequiresSubjectArgument(t *testing.T) {
	ctrl, _ := newHarness(t)
	inst := newInstance(t, []string{"user:alice"})
	require.NoError(t, ctrl.Create(context.Background(), inst))

	_, err := ctrl.Invoke(context.Background(), inst, "attach", nil)
	require.Error(t, err)
	assert.True(t, entity.IsInvalid(err))
	assert.Equal(t, entity.CodeValidation, entity.CodeOf(err))
}
