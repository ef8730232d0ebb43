package parse

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

type grammar struct {
	name string
	lang func() *sitter.Language
}

// grammars in tie-break order.
var grammars = []grammar{
	{"go", golang.GetLanguage},
	{"python", python.GetLanguage},
	{"javascript", javascript.GetLanguage},
	{"typescript", typescript.GetLanguage},
}

// minDetectSize is the shortest snippet worth classifying.
const minDetectSize = 12

// DetectLanguage guesses the language of an untagged code block. A
// grammar qualifies when it parses the snippet without error nodes; the
// one producing the most named nodes wins, earlier grammars win ties.
// Returns "" when nothing qualifies.
func DetectLanguage(ctx context.Context, code string) string {
	if len(strings.TrimSpace(code)) < minDetectSize {
		return ""
	}
	src := []byte(code)

	best, bestScore := "", 0
	for _, g := range grammars {
		score := parseScore(ctx, g.lang(), src)
		if score > bestScore {
			best, bestScore = g.name, score
		}
	}
	// A couple of named nodes is what any word salad produces.
	if bestScore < 3 {
		return ""
	}
	return best
}

// parseScore returns the named node count, or 0 when the tree has errors.
func parseScore(ctx context.Context, lang *sitter.Language, src []byte) int {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil || tree == nil {
		return 0
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		return 0
	}
	return countNamed(root)
}

func countNamed(n *sitter.Node) int {
	count := 1
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if child := n.NamedChild(i); child != nil {
			count += countNamed(child)
		}
	}
	return count
}
