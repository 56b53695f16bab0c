package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PaperDigest/internal/domain"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"migrate", "ingest", "replay", "classify", "advise", "deliver", "serve"}, names)
}

func TestDeliverNeedsUserAndPeriodTogether(t *testing.T) {
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"deliver", "--user", "u1"})

	err := root.Execute()
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestReplayRequiresBounds(t *testing.T) {
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"replay", "--since", "2025-11-10"})

	require.Error(t, root.Execute())
}

func TestParseDay(t *testing.T) {
	day, err := parseDay("2025-11-10")
	require.NoError(t, err)
	assert.True(t, day.Equal(time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC)))

	_, err = parseDay("10/11/2025")
	require.ErrorIs(t, err, domain.ErrConfiguration)
}
