package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// classParser extracts candidate ClassRecords from Python source using
// tree-sitter, in place of the CPython ast module the original discovery
// logic relied on.
type classParser struct {
	projectRoot string
	sitter      *sitter.Parser
}

func newClassParser(projectRoot string) *classParser {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return &classParser{projectRoot: projectRoot, sitter: p}
}

// parseFile parses one Python source file and returns every top-level class
// that passes the candidate rule. A parse failure returns a nil slice and no
// error reaches the caller's log-and-skip path.
func (p *classParser) parseFile(ctx context.Context, path string) ([]ClassRecord, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	tree, err := p.sitter.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, nil
	}

	relPath, err := filepath.Rel(p.projectRoot, path)
	if err != nil {
		relPath = path
	}
	modulePath := modulePathFromRelPath(relPath)

	var records []ClassRecord
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		node := unwrapDecorated(child)
		if node == nil || node.Type() != "class_definition" {
			continue
		}

		rec, ok := p.extractClass(node, content, path, modulePath)
		if !ok {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// unwrapDecorated returns the class_definition/function_definition wrapped
// by a decorated_definition, or node itself if it is not decorated.
func unwrapDecorated(node *sitter.Node) *sitter.Node {
	if node.Type() != "decorated_definition" {
		return node
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "class_definition", "function_definition":
			return child
		}
	}
	return nil
}

func (p *classParser) extractClass(node *sitter.Node, content []byte, filePath, modulePath string) (ClassRecord, bool) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return ClassRecord{}, false
	}
	className := nodeText(nameNode, content)

	var baseClasses []string
	var sourceType string
	if superclasses := node.ChildByFieldName("superclasses"); superclasses != nil {
		for i := 0; i < int(superclasses.NamedChildCount()); i++ {
			base := superclasses.NamedChild(i)
			text := nodeText(base, content)
			if strings.Contains(text, "=") {
				continue // keyword arg, e.g. metaclass=...
			}
			leaf := baseLeafName(base, content)
			if leaf != "" {
				baseClasses = append(baseClasses, leaf)
			}
			if sourceType == "" {
				if st, ok := subscriptArgument(base, content); ok {
					sourceType = st
				}
			}
		}
	}

	var methods []string
	var body *sitter.Node
	if b := node.ChildByFieldName("body"); b != nil {
		body = b
		for i := 0; i < int(b.NamedChildCount()); i++ {
			member := unwrapDecorated(b.NamedChild(i))
			if member == nil || member.Type() != "function_definition" {
				continue
			}
			mn := member.ChildByFieldName("name")
			if mn == nil {
				continue
			}
			name := nodeText(mn, content)
			if strings.HasPrefix(name, "_") {
				continue
			}
			methods = append(methods, name)
		}
	}

	if !isCandidate(baseClasses, methods) {
		return ClassRecord{}, false
	}

	rec := ClassRecord{
		ClassName:   className,
		ModulePath:  modulePath,
		FilePath:    filePath,
		SourceType:  sourceType,
		BaseClasses: baseClasses,
		Methods:     methods,
		DataClients: []string{},
	}
	if body != nil {
		rec.Docstring = bodyDocstring(body, content)
	}
	return rec, true
}

// isCandidate implements the candidate rule: a qualifying base class name,
// or a characteristic method, makes the class a discovery candidate.
func isCandidate(baseClasses, methods []string) bool {
	for _, base := range baseClasses {
		for _, indicator := range candidateBaseIndicators {
			if strings.Contains(base, indicator) {
				return true
			}
		}
	}
	for _, m := range methods {
		if candidateMethodNames[m] {
			return true
		}
	}
	return false
}

// baseLeafName extracts the leaf textual name of a base-class expression:
// the bare identifier for a plain name, the final attribute for dotted
// access, and the subscripted head's leaf name for a generic base.
func baseLeafName(node *sitter.Node, content []byte) string {
	switch node.Type() {
	case "identifier":
		return nodeText(node, content)
	case "attribute":
		if attr := node.ChildByFieldName("attribute"); attr != nil {
			return nodeText(attr, content)
		}
	case "subscript":
		if value := node.ChildByFieldName("value"); value != nil {
			return baseLeafName(value, content)
		}
	}
	return ""
}

// subscriptArgument returns the textual form of a single subscript argument,
// e.g. "DocA" from BaseConnector[DocA].
func subscriptArgument(node *sitter.Node, content []byte) (string, bool) {
	if node.Type() != "subscript" {
		return "", false
	}
	sub := node.ChildByFieldName("subscript")
	if sub == nil {
		return "", false
	}
	return nodeText(sub, content), true
}

// bodyDocstring returns the leading string literal of a class/function body,
// if present, with quoting stripped.
func bodyDocstring(body *sitter.Node, content []byte) string {
	if body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	expr := first.NamedChild(0)
	if expr.Type() != "string" {
		return ""
	}
	return stripStringQuoting(nodeText(expr, content))
}

func stripStringQuoting(raw string) string {
	for _, q := range []string{`"""`, `'''`} {
		if strings.HasPrefix(raw, q) && strings.HasSuffix(raw, q) && len(raw) >= 2*len(q) {
			return strings.TrimSpace(raw[len(q) : len(raw)-len(q)])
		}
	}
	for _, q := range []string{`"`, `'`} {
		if strings.HasPrefix(raw, q) && strings.HasSuffix(raw, q) && len(raw) >= 2 {
			return strings.TrimSpace(raw[1 : len(raw)-1])
		}
	}
	return strings.TrimSpace(raw)
}

func nodeText(node *sitter.Node, content []byte) string {
	return string(content[node.StartByte():node.EndByte()])
}

// modulePathFromRelPath converts a project-relative .py path into a dotted
// module path.
func modulePathFromRelPath(relPath string) string {
	modPath := strings.TrimSuffix(relPath, ".py")
	modPath = strings.ReplaceAll(modPath, string(filepath.Separator), ".")
	return strings.TrimSuffix(modPath, ".__init__")
}
