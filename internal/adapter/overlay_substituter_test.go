package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "gooze.dev/pkg/mutexec/internal/model"
)

var calcUnit = m.MutationUnit{Unit: "calc/calc.go", Method: "Add", Line: 6, Mutator: m.MutationArithmetic}

func TestOverlaySubstituter_SubstituteWritesOverlay(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()

	var calls []recordedCommand

	s := NewOverlaySubstituter(root, scratch, NewLocalSourceFSAdapter(), fakeCommand("", nil, &calls), true)
	require.Empty(t, s.Overlay())

	ok := s.Substitute(context.Background(), calcUnit, []byte("package calc\n\nfunc Add(a, b int) int { return a - b }\n"))
	require.True(t, ok)

	overlay := s.Overlay()
	require.NotEmpty(t, overlay)

	data, err := os.ReadFile(overlay)
	require.NoError(t, err)

	var doc overlayFile
	require.NoError(t, json.Unmarshal(data, &doc))

	original, err := filepath.Abs(filepath.Join(root, "calc", "calc.go"))
	require.NoError(t, err)
	require.Contains(t, doc.Replace, original)

	mutant, err := os.ReadFile(doc.Replace[original])
	require.NoError(t, err)
	assert.Contains(t, string(mutant), "return a - b")

	require.Len(t, calls, 1)
	assert.Equal(t, []string{"build", "-overlay", overlay, "./calc"}, calls[0].args)

	s.Restore(context.Background())
	assert.Empty(t, s.Overlay())
}

func TestOverlaySubstituter_RejectsSyntaxErrors(t *testing.T) {
	var calls []recordedCommand

	s := NewOverlaySubstituter(t.TempDir(), t.TempDir(), NewLocalSourceFSAdapter(), fakeCommand("", nil, &calls), true)

	assert.False(t, s.Substitute(context.Background(), calcUnit, []byte("package calc\nfunc {")))
	assert.Empty(t, s.Overlay())
	assert.Empty(t, calls)
}

func TestOverlaySubstituter_CompileFailureKeepsPreviousState(t *testing.T) {
	var calls []recordedCommand

	fs := NewLocalSourceFSAdapter()
	scratch := t.TempDir()
	image := []byte("package calc\n\nfunc Add(a, b int) int { return a * b }\n")

	good := NewOverlaySubstituter(t.TempDir(), scratch, fs, fakeCommand("", nil, &calls), true)
	require.True(t, good.Substitute(context.Background(), calcUnit, image))
	live := good.Overlay()

	good.run = fakeCommand("calc/calc.go:3: invalid operation", errors.New("exit status 1"), &calls)

	assert.False(t, good.Substitute(context.Background(), calcUnit, image))
	assert.Equal(t, live, good.Overlay())

	_, err := os.Stat(filepath.Join(scratch, "m000002"))
	assert.True(t, os.IsNotExist(err))
}

func TestOverlaySubstituter_SkipsCompileCheckWhenDisabled(t *testing.T) {
	var calls []recordedCommand

	s := NewOverlaySubstituter(t.TempDir(), t.TempDir(), NewLocalSourceFSAdapter(), fakeCommand("", errors.New("boom"), &calls), false)

	assert.True(t, s.Substitute(context.Background(), calcUnit, []byte("package calc\n")))
	assert.Empty(t, calls)
}
