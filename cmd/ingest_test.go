package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetIngestFlags() {
	ingestFile = ""
	ingestSource = ""
	ingestExternalID = ""
	ingestName = ""
	ingestStart = ""
	ingestEnd = ""
	ingestPrice = -1
	ingestConfidence = 0.9
	ingestTypes = nil
}

func TestCollectCandidates_FromFlags(t *testing.T) {
	resetIngestFlags()
	ingestSource = "somerville_arts"
	ingestName = "Porchfest"
	ingestStart = "2026-09-12T12:00:00Z"
	ingestTypes = []string{"music"}

	cands, err := collectCandidates()
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "somerville_arts", cands[0].Source)
	assert.Equal(t, "Porchfest", cands[0].Name)
	require.NotNil(t, cands[0].StartDate)
	assert.Nil(t, cands[0].Price)
	assert.Equal(t, []string{"music"}, cands[0].TypeLabels)
}

func TestCollectCandidates_BadStartDate(t *testing.T) {
	resetIngestFlags()
	ingestSource = "somerville_arts"
	ingestName = "Porchfest"
	ingestStart = "next tuesday"

	_, err := collectCandidates()
	assert.Error(t, err)
}

func TestCollectCandidates_FromFile(t *testing.T) {
	resetIngestFlags()
	dir := t.TempDir()
	path := filepath.Join(dir, "cands.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"source": "somerville_arts", "name": "Porchfest", "start_date": "2026-09-12T12:00:00Z", "confidence": 0.8},
		{"source": "crawler", "name": "Open Mic", "start_date": "2026-09-13T19:30:00Z", "confidence": 0.6}
	]`), 0644))
	ingestFile = path

	cands, err := collectCandidates()
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "crawler", cands[1].Source)
}

func TestCollectCandidates_SingleObjectFile(t *testing.T) {
	resetIngestFlags()
	dir := t.TempDir()
	path := filepath.Join(dir, "cand.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"source": "upload", "name": "Art Walk", "confidence": 0.7}`), 0644))
	ingestFile = path

	cands, err := collectCandidates()
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "Art Walk", cands[0].Name)
}

func TestCollectCandidates_NothingGiven(t *testing.T) {
	resetIngestFlags()
	cands, err := collectCandidates()
	require.NoError(t, err)
	assert.Empty(t, cands)
}
