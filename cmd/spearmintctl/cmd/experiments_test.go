package cmd

/*
These tests check that command-line arguments and flags reach the spearmintctl app unchanged. The app's
experiment API is replaced by a fake before the command runs, so no store is opened.
*/

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint/ledger"
	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmint/report"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
	"github.com/G-Research/spearmint/internal/spearmintctl"
)

type call struct {
	method  string
	owner   string
	name    string
	jobID   int64
	value   float64
	outcome model.Outcome
	params  []schema.RawParameter
}

type fakeExperiments struct {
	calls []call
	err   error
}

func (f *fakeExperiments) record(c call) error {
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeExperiments) Create(_ context.Context, owner, name string, parameters []schema.RawParameter, outcome model.Outcome) error {
	return f.record(call{method: "create", owner: owner, name: name, params: parameters, outcome: outcome})
}

func (f *fakeExperiments) Delete(_ context.Context, owner, name string) error {
	return f.record(call{method: "delete", owner: owner, name: name})
}

func (f *fakeExperiments) Exists(_ context.Context, owner, name string) (bool, error) {
	return true, f.record(call{method: "exists", owner: owner, name: name})
}

func (f *fakeExperiments) List(_ context.Context, owner string) ([]string, error) {
	return []string{"a", "b"}, f.record(call{method: "list", owner: owner})
}

func (f *fakeExperiments) Suggest(_ context.Context, owner, name string) (*ledger.Suggestion, error) {
	return &ledger.Suggestion{JobID: 1, Params: map[string]interface{}{"x": int64(3)}}, f.record(call{method: "suggest", owner: owner, name: name})
}

func (f *fakeExperiments) Update(_ context.Context, owner, name string, jobID int64, outcome float64) error {
	return f.record(call{method: "update", owner: owner, name: name, jobID: jobID, value: outcome})
}

func (f *fakeExperiments) Jobs(_ context.Context, owner, name string) ([]report.JobView, error) {
	return nil, f.record(call{method: "jobs", owner: owner, name: name})
}

func TestCommands(t *testing.T) {
	paramsFile := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(paramsFile, []byte("- name: x\n  type: int\n  min: 1\n  max: 10\n"), 0o600))

	tests := map[string]struct {
		args     []string
		expected call
		output   string
	}{
		"create": {
			args: []string{"create", "exp", "--params", paramsFile, "--outcome", "loss", "--minimize"},
			expected: call{
				method:  "create",
				owner:   "default",
				name:    "exp",
				params:  []schema.RawParameter{{Name: "x", Type: "int", Min: 1, Max: 10}},
				outcome: model.Outcome{Name: "loss", Minimize: true},
			},
			output: "Created experiment exp\n",
		},
		"create maximizing": {
			args: []string{"create", "exp", "--params", paramsFile, "--outcome", "accuracy", "--owner", "alice"},
			expected: call{
				method:  "create",
				owner:   "alice",
				name:    "exp",
				params:  []schema.RawParameter{{Name: "x", Type: "int", Min: 1, Max: 10}},
				outcome: model.Outcome{Name: "accuracy"},
			},
			output: "Created experiment exp\n",
		},
		"delete": {
			args:     []string{"delete", "exp", "--owner", "alice"},
			expected: call{method: "delete", owner: "alice", name: "exp"},
			output:   "Deleted experiment exp\n",
		},
		"exists": {
			args:     []string{"exists", "exp"},
			expected: call{method: "exists", owner: "default", name: "exp"},
			output:   "true\n",
		},
		"list": {
			args:     []string{"list", "--owner", "bob"},
			expected: call{method: "list", owner: "bob"},
			output:   "a\nb\n",
		},
		"suggest": {
			args:     []string{"suggest", "exp"},
			expected: call{method: "suggest", owner: "default", name: "exp"},
			output:   "jobId: 1\nparams:\n  x: 3\n",
		},
		"update": {
			args:     []string{"update", "exp", "7", "-2.5"},
			expected: call{method: "update", owner: "default", name: "exp", jobID: 7, value: -2.5},
			output:   "Updated job 7 of experiment exp\n",
		},
		"jobs": {
			args:     []string{"jobs", "exp"},
			expected: call{method: "jobs", owner: "default", name: "exp"},
			output:   "  ID  STATUS  OUTCOME  STARTED  DURATION\n",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fake := &fakeExperiments{}
			out := &bytes.Buffer{}
			a := spearmintctl.New()
			a.Experiments = fake
			a.Out = out

			cmd := rootCmdWithApp(a)
			cmd.SetArgs(tc.args)
			require.NoError(t, cmd.Execute())

			require.Len(t, fake.calls, 1)
			assert.Equal(t, tc.expected, fake.calls[0])
			assert.Equal(t, tc.output, out.String())
		})
	}
}

func TestUpdate_NaN(t *testing.T) {
	fake := &fakeExperiments{}
	a := spearmintctl.New()
	a.Experiments = fake
	a.Out = &bytes.Buffer{}

	cmd := rootCmdWithApp(a)
	cmd.SetArgs([]string{"update", "exp", "1", "NaN"})
	require.NoError(t, cmd.Execute())
	require.Len(t, fake.calls, 1)
	assert.True(t, math.IsNaN(fake.calls[0].value))
}

func TestCommandErrors(t *testing.T) {
	tests := map[string]struct {
		args     []string
		apiErr   error
		exitCode int
	}{
		"bad job id":        {args: []string{"update", "exp", "one", "1"}, exitCode: spearminterrors.ExitSchema},
		"bad value":         {args: []string{"update", "exp", "1", "high"}, exitCode: spearminterrors.ExitSchema},
		"missing params":    {args: []string{"create", "exp", "--params", "/does/not/exist.yaml", "--outcome", "loss"}, exitCode: spearminterrors.ExitUnknown},
		"missing argument":  {args: []string{"suggest"}, exitCode: spearminterrors.ExitUnknown},
		"not found":         {args: []string{"jobs", "exp"}, apiErr: &spearminterrors.ErrNotFound{Type: "experiment", Value: "default.exp"}, exitCode: spearminterrors.ExitNotFound},
		"invalid state":     {args: []string{"update", "exp", "1", "2"}, apiErr: &spearminterrors.ErrInvalidState{}, exitCode: spearminterrors.ExitInvalidState},
		"store unavailable": {args: []string{"list"}, apiErr: &spearminterrors.ErrStoreUnavailable{Store: "redis"}, exitCode: spearminterrors.ExitStoreUnavailable},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			a := spearmintctl.New()
			a.Experiments = &fakeExperiments{err: tc.apiErr}
			a.Out = &bytes.Buffer{}

			cmd := rootCmdWithApp(a)
			cmd.SetArgs(tc.args)
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			err := cmd.Execute()
			require.Error(t, err)
			assert.Equal(t, tc.exitCode, spearminterrors.ExitCodeFromError(err))
		})
	}
}

func TestUserConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	defer func() { homedir.DisableCache = false }()

	path, err := userConfigFile()
	require.NoError(t, err)
	assert.Empty(t, path)

	expected := filepath.Join(home, userConfigFileName)
	require.NoError(t, os.WriteFile(expected, []byte("defaultOwner: from-home\n"), 0o600))
	path, err = userConfigFile()
	require.NoError(t, err)
	assert.Equal(t, expected, path)

	fake := &fakeExperiments{}
	a := spearmintctl.New()
	a.Experiments = fake
	a.Out = &bytes.Buffer{}
	cmd := rootCmdWithApp(a)
	cmd.SetArgs([]string{"list"})
	require.NoError(t, cmd.Execute())
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "from-home", fake.calls[0].owner)
}
