package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-forge/internal/engine"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf
	app.ErrWriter = &buf
	err := app.Run(context.Background(), append([]string{"forge", "--log-level", "error"}, args...))
	require.NoError(t, err, buf.String())
	return buf.String()
}

func TestParseTokens(t *testing.T) {
	got, err := parseTokens(" 1, 2,3 ,")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)

	_, err = parseTokens("")
	assert.Error(t, err)
	_, err = parseTokens("1,x")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"npu", "cpu"}, splitList("npu, cpu,"))
	assert.Nil(t, splitList(" , "))
}

func TestClampSteps(t *testing.T) {
	prompts := [][]int{{1, 2, 3}, {4}}

	n, err := clampSteps(prompts, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = clampSteps(prompts, 10, 8)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = clampSteps(prompts, 10, 3)
	assert.ErrorContains(t, err, "max_sequence_len")
}

func TestPlanCommand(t *testing.T) {
	out := run(t, "plan", "--k", "4096", "--m", "4096", "--cores", "4")
	assert.Contains(t, out, "TILES")
	assert.Contains(t, out, "4096")
}

func TestDecodeCommand(t *testing.T) {
	trace := filepath.Join(t.TempDir(), "trace.json")
	out := run(t, "--devices", "cpu", "decode",
		"--vocab", "32", "--hidden", "16", "--heads", "2", "--layers", "1", "--ffn", "24",
		"--prompt", "1,2,3;4", "--steps", "3", "--trace", trace)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	for i, line := range lines {
		prefix := []string{"seq 0: ", "seq 1: "}[i]
		require.True(t, strings.HasPrefix(line, prefix), line)
		toks, err := parseTokens(strings.TrimPrefix(line, prefix))
		require.NoError(t, err)
		assert.Len(t, toks, 3)
		for _, tok := range toks {
			assert.True(t, tok >= 0 && tok < 32, "token %d out of vocab", tok)
		}
	}

	raw, err := os.ReadFile(trace)
	require.NoError(t, err)
	var log engine.ActivationLog
	require.NoError(t, json.Unmarshal(raw, &log))
	assert.NotEmpty(t, log.Steps)
}

func TestDecodeIsDeterministic(t *testing.T) {
	args := []string{"--devices", "cpu", "decode",
		"--vocab", "32", "--hidden", "16", "--heads", "2", "--layers", "2", "--ffn", "24",
		"--prompt", "5,6", "--steps", "4", "--seed", "7"}
	assert.Equal(t, run(t, args...), run(t, args...))
}
