package workflow

import (
	"testing"
	"time"

	"github.com/jsturma/joblet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineYAML = `
version: "1.0"
name: build-test-deploy
jobs:
  build:
    command: [make, all]
    resources:
      maxCpu: 200
      maxMemory: 512MB
  test:
    command: [make, test]
    dependsOn: [build]
    retries: 2
    timeout: 30s
  deploy:
    command: [./deploy.sh]
    dependsOn: [test:COMPLETED]
    volumes: [artifacts]
`

func TestParseTemplate(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(pipelineYAML))
	require.NoError(t, err)

	assert.Equal(t, "build-test-deploy", tmpl.Name)
	require.Len(t, tmpl.Steps, 3)

	// declaration order preserved
	assert.Equal(t, "build", tmpl.Steps[0].Name)
	assert.Equal(t, "test", tmpl.Steps[1].Name)
	assert.Equal(t, "deploy", tmpl.Steps[2].Name)

	assert.Equal(t, 200, tmpl.Steps[0].Resources.MaxCPU)
	assert.Equal(t, ByteSize(512_000_000), tmpl.Steps[0].Resources.MaxMemory)
	assert.Equal(t, 2, tmpl.Steps[1].Retries)
	assert.Equal(t, Duration(30*time.Second), tmpl.Steps[1].Timeout)
	assert.Equal(t, []string{"artifacts"}, tmpl.Steps[2].Volumes)
}

func TestParseRejectsUndeclaredDependency(t *testing.T) {
	_, err := ParseTemplate([]byte(`
name: bad
jobs:
  a:
    command: [true]
    dependsOn: [ghost]
`))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseRejectsBadCondition(t *testing.T) {
	_, err := ParseTemplate([]byte(`
name: bad
jobs:
  a:
    command: [true]
  b:
    command: [true]
    dependsOn: ["a:RUNNING"]
`))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseRejectsEmptyCommand(t *testing.T) {
	_, err := ParseTemplate([]byte(`
name: bad
jobs:
  a: {}
`))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := ParseTemplate([]byte(`
jobs:
  a:
    command: [true]
`))
	assert.ErrorIs(t, err, ErrParse)
}

func TestSplitCondition(t *testing.T) {
	name, cond, err := splitCondition("build")
	require.NoError(t, err)
	assert.Equal(t, "build", name)
	assert.Equal(t, types.StatusCompleted, cond)

	name, cond, err = splitCondition("cleanup:FAILED")
	require.NoError(t, err)
	assert.Equal(t, "cleanup", name)
	assert.Equal(t, types.StatusFailed, cond)

	_, _, err = splitCondition(":COMPLETED")
	assert.Error(t, err)
}

func TestTopoSortDeclarationOrderTies(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(`
name: fanout
jobs:
  z-root:
    command: [true]
  a-leaf:
    command: [true]
    dependsOn: [z-root]
  b-leaf:
    command: [true]
    dependsOn: [z-root]
  independent:
    command: [true]
`))
	require.NoError(t, err)

	order, err := topoSort(tmpl.Steps)
	require.NoError(t, err)

	names := make([]string, len(order))
	for i, s := range order {
		names[i] = s.Name
	}
	// z-root declared before independent; leaves follow in declaration order
	assert.Equal(t, []string{"z-root", "independent", "a-leaf", "b-leaf"}, names)
}

func TestTopoSortCycle(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(`
name: cyclic
jobs:
  a:
    command: [true]
    dependsOn: [b]
  b:
    command: [true]
    dependsOn: [a]
`))
	require.NoError(t, err)

	_, err = topoSort(tmpl.Steps)
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestByteSizeAcceptsBareInt(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(`
name: raw
jobs:
  a:
    command: [true]
    resources:
      maxMemory: 1048576
`))
	require.NoError(t, err)
	assert.Equal(t, ByteSize(1048576), tmpl.Steps[0].Resources.MaxMemory)
}
