package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const (
	testLadder = "../../../pkg/abr/ladder/testdata/bbb.yaml"
	testTrace  = "../../../internal/sim/testdata/lte.yaml"
)

// execute runs the root command with args and returns its output. Flags are
// reset first since the command tree is package state.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				require.NoError(t, sv.Replace(nil))
			} else {
				require.NoError(t, f.Value.Set(f.DefValue))
			}
			f.Changed = false
		})
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRun_TextSummary(t *testing.T) {
	out, err := execute(t, "run", "--ladder", testLadder, "--trace", testTrace, "--video", "2m")
	require.NoError(t, err)

	assert.Contains(t, out, "ABR Simulation")
	assert.Contains(t, out, "Ladder:    big-buck-bunny (5 formats)")
	assert.Contains(t, out, "Trace:     lte-drive (period 1m0s)")
	assert.Contains(t, out, "Strategy:  rate")
	assert.Contains(t, out, "Segments:")
	assert.Contains(t, out, "Status:            PASS")
	assert.NotContains(t, out, "Final phase")
}

func TestRun_Verbose(t *testing.T) {
	out, err := execute(t, "run", "--ladder", testLadder, "--bandwidth", "3000000", "--video", "20s", "--verbose")
	require.NoError(t, err)

	assert.Contains(t, out, "chunk    0")
	assert.Contains(t, out, "chunk    4")
	assert.Contains(t, out, "Initial")
}

func TestRun_JSONBufferBased(t *testing.T) {
	out, err := execute(t, "run", "--ladder", testLadder, "--trace", testTrace,
		"--strategy", "buffer", "--video", "3m", "--output", "json")
	require.NoError(t, err)

	var r report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "buffer", r.Strategy)
	assert.Equal(t, "big-buck-bunny", r.Ladder)
	assert.Equal(t, 45, r.Segments)
	assert.Equal(t, "4s", r.Chunk)
	assert.NotEmpty(t, r.Phase)
	assert.Equal(t, "PASS", r.Status)
	require.Len(t, r.Formats, 5)
	assert.Equal(t, int64(4_500_000), r.Formats[0].Bitrate)
}

func TestRun_YAMLWithFilter(t *testing.T) {
	out, err := execute(t, "run", "--ladder", testLadder, "--bandwidth", "20000000",
		"--video", "1m", "--filter", "height <= 720", "--filter", "br >= 750000", "--output", "yaml")
	require.NoError(t, err)

	var r report
	require.NoError(t, yaml.Unmarshal([]byte(out), &r))
	require.Len(t, r.Formats, 3)
	assert.Equal(t, int64(2_500_000), r.Formats[0].Bitrate)
	assert.Equal(t, int64(750_000), r.Formats[2].Bitrate)
	assert.Equal(t, 15, r.Segments)
}

func TestRun_FractionAboveOne(t *testing.T) {
	out, err := execute(t, "run", "--ladder", testLadder, "--bandwidth", "2000000",
		"--video", "20s", "--fraction", "1.2", "--output", "json")
	require.NoError(t, err)

	var r report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, 1.2, r.Fraction)
	assert.GreaterOrEqual(t, r.Segments, 5)
	assert.Equal(t, "PASS", r.Status)
}

func TestRun_StallBudget(t *testing.T) {
	// 200 kbps cannot sustain the 400 kbps bottom rung.
	out, err := execute(t, "run", "--ladder", testLadder, "--bandwidth", "200000",
		"--video", "1m", "--max-stall", "1s")
	require.ErrorIs(t, err, errStallBudget)

	assert.Contains(t, out, "Status:            FAIL")
	assert.Contains(t, out, "Rebuffering <= 1s: FAIL")
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no ladder", []string{"run", "--bandwidth", "1000000"}},
		{"missing ladder", []string{"run", "--ladder", "testdata/missing.yaml", "--bandwidth", "1000000"}},
		{"no trace", []string{"run", "--ladder", testLadder}},
		{"bad strategy", []string{"run", "--ladder", testLadder, "--bandwidth", "1000000", "--strategy", "random"}},
		{"bad lock", []string{"run", "--ladder", testLadder, "--bandwidth", "1000000", "--lock", "sometimes"}},
		{"bad fraction", []string{"run", "--ladder", testLadder, "--bandwidth", "1000000", "--fraction", "0"}},
		{"bad smoothing", []string{"run", "--ladder", testLadder, "--bandwidth", "1000000", "--smoothing", "ewma"}},
		{"bad output", []string{"run", "--ladder", testLadder, "--bandwidth", "1000000", "--output", "xml"}},
		{"empty filter result", []string{"run", "--ladder", testLadder, "--bandwidth", "1000000", "--filter", "br > 1e9"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "abrsim dev")

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "dev", info["version"])
	assert.NotEmpty(t, info["go"])
}
