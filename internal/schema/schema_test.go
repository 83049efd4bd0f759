package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr string
	}{
		{name: "valid", rec: Record{ID: "O1", Version: 3, Status: StatusNew}},
		{name: "missing id", rec: Record{Version: 1, Status: StatusNew}, wantErr: "id is required"},
		{name: "negative version", rec: Record{ID: "O1", Version: -1, Status: StatusNew}, wantErr: "version cannot be negative"},
		{name: "bad status", rec: Record{ID: "O1", Status: "archived"}, wantErr: "invalid status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRecord_ProjectKeepsVersion(t *testing.T) {
	base := &Record{ID: "O1", Version: 3, Status: StatusNew, Payload: map[string]any{"site": "north"}}
	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	got := base.Project(Patch{Status: StatusAssigned, Payload: map[string]any{"assignee": "I1"}}, now)

	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "I1", got.Assignee())
	assert.Equal(t, "north", got.Payload["site"])
	require.NotNil(t, got.LocalUpdatedAt)
	assert.True(t, got.IsOptimistic())

	// base is untouched
	assert.Equal(t, StatusNew, base.Status)
	assert.NotContains(t, base.Payload, "assignee")
	assert.False(t, base.IsOptimistic())
}

func TestRecord_ProjectNilDeletesKey(t *testing.T) {
	base := &Record{ID: "O1", Status: StatusAssigned, Payload: map[string]any{"assignee": "I1"}}
	got := base.Project(Patch{Payload: map[string]any{"assignee": nil}}, time.Now())
	assert.NotContains(t, got.Payload, "assignee")
}

func TestRecord_EncodeDecode(t *testing.T) {
	synced := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	rec := &Record{ID: "O1", Version: 4, Status: StatusAssigned, Branch: "BR001",
		Payload: map[string]any{"assignee": "I1"}, SyncedAt: &synced}

	data, err := rec.Encode()
	require.NoError(t, err)

	got, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = DecodeRecord([]byte(`{"id":`))
	assert.Error(t, err)
}

func TestMutationOp_Validate(t *testing.T) {
	ok := MutationOp{OpID: "op-1", Method: "PATCH", TargetID: "O1", ExpectedVersion: 3, CreatedAt: time.Now()}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Method = "DELETE"
	assert.ErrorContains(t, bad.Validate(), "unsupported method")

	bad = ok
	bad.Body.Status = "lost"
	assert.ErrorContains(t, bad.Validate(), "invalid status")

	bad = ok
	bad.OpID = ""
	assert.ErrorContains(t, bad.Validate(), "opId is required")
}

func TestMutationOp_WireBodyCarriesExpectedVersion(t *testing.T) {
	op := MutationOp{ExpectedVersion: 5, Body: Patch{Status: StatusConfirmed}}
	body := op.WireBody()
	assert.Equal(t, int64(5), body.ExpectedVersion)

	data, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"expectedVersion":5,"status":"confirmed"}`, string(data))
}

func TestActionFiles(t *testing.T) {
	dir := t.TempDir()
	older := &ActionFile{ID: "a1", Action: "assign", TargetID: "O1", Payload: map[string]any{"assignee": "I1"},
		CreatedAt: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)}
	newer := &ActionFile{ID: "a2", Action: "confirm", TargetID: "O1", Status: StatusConfirmed,
		CreatedAt: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}

	require.NoError(t, WriteActionFile(dir, newer))
	require.NoError(t, WriteActionFile(dir, older))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{"), 0644))

	actions, skipped, err := ReadAllActionFiles(dir)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "a1", actions[0].ID)
	assert.Equal(t, "a2", actions[1].ID)
	assert.Equal(t, []string{"junk.json"}, skipped)

	assert.Error(t, WriteActionFile(dir, &ActionFile{ID: "a3", Action: "noop", TargetID: "O1"}))
}

func TestReadAllActionFiles_MissingDir(t *testing.T) {
	actions, skipped, err := ReadAllActionFiles(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, skipped)
}
