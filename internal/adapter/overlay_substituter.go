package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"log/slog"
	"path"
	"path/filepath"
	"sync"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// Substituter replaces a unit of the live program image with a mutant.
type Substituter interface {
	// Substitute makes image the live version of the unit. It returns false,
	// leaving the previous state untouched, when the image is rejected.
	Substitute(ctx context.Context, id m.MutationUnit, image []byte) bool
	// Restore makes the original sources live again.
	Restore(ctx context.Context)
}

// OverlaySubstituter substitutes Go files through `go build -overlay`. The
// mutant is written under a scratch directory and an overlay file maps the
// original path to it; runners pick it up through Overlay.
type OverlaySubstituter struct {
	root         string
	scratch      string
	fs           SourceFSAdapter
	run          CommandRunner
	compileCheck bool

	mu   sync.Mutex
	seq  int
	live string
}

// overlayFile is the JSON document understood by `go build -overlay`.
type overlayFile struct {
	Replace map[string]string
}

// NewOverlaySubstituter constructs a substituter for the project at root
// writing into scratch. With compileCheck set, mutants that do not compile
// are rejected.
func NewOverlaySubstituter(root, scratch string, fs SourceFSAdapter, run CommandRunner, compileCheck bool) *OverlaySubstituter {
	if run == nil {
		run = ExecCommandRunner
	}

	return &OverlaySubstituter{
		root:         root,
		scratch:      scratch,
		fs:           fs,
		run:          run,
		compileCheck: compileCheck,
	}
}

// Overlay returns the live overlay file, "" when no mutant is live.
func (s *OverlaySubstituter) Overlay() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.live
}

// Substitute validates the image and activates it.
func (s *OverlaySubstituter) Substitute(ctx context.Context, id m.MutationUnit, image []byte) bool {
	if err := ctx.Err(); err != nil {
		return false
	}

	if _, err := parser.ParseFile(token.NewFileSet(), id.Unit, image, parser.SkipObjectResolution); err != nil {
		slog.Debug("Mutant does not parse", "mutation", id.String(), "error", err)
		return false
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	overlay, err := s.writeOverlay(seq, id, image)
	if err != nil {
		slog.Error("Failed to write overlay", "mutation", id.String(), "error", err)
		return false
	}

	if s.compileCheck {
		pkg := "./" + path.Dir(id.Unit)

		output, err := s.run(ctx, s.root, "go", "build", "-overlay", overlay, pkg)
		if err != nil {
			slog.Debug("Mutant does not compile", "mutation", id.String(), "output", output, "error", err)
			s.cleanup(seq)

			return false
		}
	}

	s.mu.Lock()
	s.live = overlay
	s.mu.Unlock()

	slog.Debug("Mutant substituted", "mutation", id.String(), "overlay", overlay)

	return true
}

// Restore drops the live overlay.
func (s *OverlaySubstituter) Restore(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.live = ""
}

func (s *OverlaySubstituter) writeOverlay(seq int, id m.MutationUnit, image []byte) (string, error) {
	dir := s.fs.JoinPath(s.scratch, fmt.Sprintf("m%06d", seq))
	mutant := s.fs.JoinPath(string(dir), filepath.FromSlash(id.Unit))

	if err := s.fs.WriteFile(mutant, image, 0o600); err != nil {
		return "", fmt.Errorf("write mutant: %w", err)
	}

	original, err := filepath.Abs(filepath.Join(s.root, filepath.FromSlash(id.Unit)))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", id.Unit, err)
	}

	doc, err := json.Marshal(overlayFile{Replace: map[string]string{original: string(mutant)}})
	if err != nil {
		return "", fmt.Errorf("encode overlay: %w", err)
	}

	overlay := s.fs.JoinPath(string(dir), "overlay.json")
	if err := s.fs.WriteFile(overlay, doc, 0o600); err != nil {
		return "", fmt.Errorf("write overlay: %w", err)
	}

	return string(overlay), nil
}

func (s *OverlaySubstituter) cleanup(seq int) {
	dir := s.fs.JoinPath(s.scratch, fmt.Sprintf("m%06d", seq))
	if err := s.fs.RemoveAll(dir); err != nil {
		slog.Error("Failed to remove rejected overlay", "dir", dir, "error", err)
	}
}
