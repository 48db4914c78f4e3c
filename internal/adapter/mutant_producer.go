package adapter

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// ErrUnknownMutation is returned when a mutation identity does not match any
// mutation site in the current source.
var ErrUnknownMutation = errors.New("unknown mutation")

// MutantProducer creates mutated program images.
type MutantProducer interface {
	// Enumerate lists every mutation the producer can create for a unit.
	Enumerate(ctx context.Context, unit string) ([]m.MutationUnit, error)
	// Produce returns the mutated image for one mutation identity.
	Produce(ctx context.Context, id m.MutationUnit) (m.Mutant, error)
}

// GoMutantProducer mutates Go source files found under a project root.
// Units are slash separated file paths relative to the root.
type GoMutantProducer struct {
	root m.Path
	fs   SourceFSAdapter
}

// NewGoMutantProducer constructs a producer for the project at root.
func NewGoMutantProducer(root m.Path, fs SourceFSAdapter) *GoMutantProducer {
	return &GoMutantProducer{root: root, fs: fs}
}

// mutationSite is one concrete textual replacement.
type mutationSite struct {
	id       m.MutationUnit
	offset   int
	original string
	mutated  string
}

var arithmeticOps = []token.Token{token.ADD, token.SUB, token.MUL, token.QUO, token.REM}

var comparisonOps = []token.Token{token.LSS, token.GTR, token.LEQ, token.GEQ, token.EQL, token.NEQ}

// Enumerate lists the mutations for unit in source order.
func (p *GoMutantProducer) Enumerate(ctx context.Context, unit string) ([]m.MutationUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, sites, err := p.load(unit)
	if err != nil {
		return nil, err
	}

	ids := make([]m.MutationUnit, 0, len(sites))
	for _, site := range sites {
		ids = append(ids, site.id)
	}

	return ids, nil
}

// Produce applies the mutation identified by id and returns the full mutated
// file with a unified diff against the original.
func (p *GoMutantProducer) Produce(ctx context.Context, id m.MutationUnit) (m.Mutant, error) {
	if err := ctx.Err(); err != nil {
		return m.Mutant{}, err
	}

	content, sites, err := p.load(id.Unit)
	if err != nil {
		return m.Mutant{}, err
	}

	for _, site := range sites {
		if site.id != id {
			continue
		}

		image := make([]byte, 0, len(content)-len(site.original)+len(site.mutated))
		image = append(image, content[:site.offset]...)
		image = append(image, site.mutated...)
		image = append(image, content[site.offset+len(site.original):]...)

		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(content)),
			B:        difflib.SplitLines(string(image)),
			FromFile: "a/" + id.Unit,
			ToFile:   "b/" + id.Unit,
			Context:  1,
		})
		if err != nil {
			return m.Mutant{}, fmt.Errorf("diff %s: %w", id, err)
		}

		return m.Mutant{ID: id, Image: image, Diff: diff}, nil
	}

	return m.Mutant{}, fmt.Errorf("%w: %s", ErrUnknownMutation, id)
}

func (p *GoMutantProducer) load(unit string) ([]byte, []mutationSite, error) {
	path := p.fs.JoinPath(string(p.root), unit)

	content, err := p.fs.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	fset := token.NewFileSet()

	file, err := parser.ParseFile(fset, string(path), content, parser.SkipObjectResolution)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return content, collectSites(fset, file, unit), nil
}

// collectSites walks every function body and records replacements. The index
// counts sites sharing unit, line and mutator.
func collectSites(fset *token.FileSet, file *ast.File, unit string) []mutationSite {
	var sites []mutationSite

	ordinals := map[string]int{}
	add := func(method string, pos token.Pos, mutator m.MutatorType, original, mutated string) {
		position := fset.Position(pos)
		key := fmt.Sprintf("%d:%s", position.Line, mutator)

		sites = append(sites, mutationSite{
			id: m.MutationUnit{
				Unit:    unit,
				Method:  method,
				Line:    position.Line,
				Mutator: mutator,
				Index:   ordinals[key],
			},
			offset:   position.Offset,
			original: original,
			mutated:  mutated,
		})
		ordinals[key]++
	}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}

		method := funcName(fn)

		ast.Inspect(fn.Body, func(n ast.Node) bool {
			switch node := n.(type) {
			case *ast.BinaryExpr:
				for _, alt := range alternatives(node.Op, arithmeticOps) {
					add(method, node.OpPos, m.MutationArithmetic, node.Op.String(), alt.String())
				}

				for _, alt := range alternatives(node.Op, comparisonOps) {
					add(method, node.OpPos, m.MutationComparison, node.Op.String(), alt.String())
				}
			case *ast.Ident:
				switch node.Name {
				case "true":
					add(method, node.Pos(), m.MutationBoolean, "true", "false")
				case "false":
					add(method, node.Pos(), m.MutationBoolean, "false", "true")
				}
			}

			return true
		})
	}

	sort.SliceStable(sites, func(i, j int) bool {
		return sites[i].offset < sites[j].offset
	})

	return sites
}

// funcName renders methods as Type.Method so identities stay unique per file.
func funcName(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return fn.Name.Name
	}

	recv := fn.Recv.List[0].Type
	if star, ok := recv.(*ast.StarExpr); ok {
		recv = star.X
	}

	switch t := recv.(type) {
	case *ast.IndexExpr:
		recv = t.X
	case *ast.IndexListExpr:
		recv = t.X
	}

	if ident, ok := recv.(*ast.Ident); ok {
		return ident.Name + "." + fn.Name.Name
	}

	return fn.Name.Name
}

func alternatives(op token.Token, family []token.Token) []token.Token {
	member := false

	for _, candidate := range family {
		if candidate == op {
			member = true
			break
		}
	}

	if !member {
		return nil
	}

	out := make([]token.Token, 0, len(family)-1)

	for _, candidate := range family {
		if candidate != op {
			out = append(out, candidate)
		}
	}

	return out
}
