package scan

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"engram/internal/tree"
)

// ParseResult holds the symbols and import targets extracted from one file.
type ParseResult struct {
	Symbols []tree.SymbolSpec
	Imports []string
}

// Parser wraps tree-sitter parsers for the supported languages. A Parser is
// not safe for concurrent use; the scanner creates one per worker.
type Parser struct {
	py *sitter.Parser
	js *sitter.Parser
	gp *sitter.Parser
}

// NewParser creates parsers for Python, JavaScript/TypeScript, and Go.
func NewParser() *Parser {
	py := sitter.NewParser()
	py.SetLanguage(python.GetLanguage())

	js := sitter.NewParser()
	js.SetLanguage(javascript.GetLanguage())

	gp := sitter.NewParser()
	gp.SetLanguage(golang.GetLanguage())

	return &Parser{py: py, js: js, gp: gp}
}

// Parse extracts top-level symbols and import targets from source content.
func (p *Parser) Parse(ctx context.Context, content []byte, lang Language) (*ParseResult, error) {
	var parser *sitter.Parser
	var extract func(*sitter.Node, []byte) *ParseResult

	switch lang {
	case LangPython:
		parser, extract = p.py, extractPython
	case LangJavaScript, LangTypeScript:
		// The JavaScript grammar covers the TS subset we extract.
		parser, extract = p.js, extractJavaScript
	case LangGo:
		parser, extract = p.gp, extractGo
	default:
		return nil, fmt.Errorf("no parser for language %q", lang)
	}

	parsed, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing failed: %w", err)
	}
	defer parsed.Close()

	return extract(parsed.RootNode(), content), nil
}

// span returns the 1-based line span of a node.
func span(n *sitter.Node) (int, int) {
	return int(n.StartPoint().Row) + 1, int(n.EndPoint().Row) + 1
}

// headline returns the first source line of a node, trimmed of the opening
// brace or trailing colon, for use as a signature.
func headline(n *sitter.Node, content []byte) string {
	text := n.Content(content)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "{")
	text = strings.TrimSuffix(strings.TrimSpace(text), ":")
	return strings.TrimSpace(text)
}

// ==================== Python ====================

func extractPython(root *sitter.Node, content []byte) *ParseResult {
	res := &ParseResult{}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch node.Type() {
		case "decorated_definition":
			if def := node.ChildByFieldName("definition"); def != nil {
				pythonDefinition(res, def, content)
			}
		case "function_definition", "class_definition":
			pythonDefinition(res, node, content)
		case "expression_statement":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				if child := node.NamedChild(j); child.Type() == "assignment" {
					pythonAssignment(res, child, content)
				}
			}
		case "import_statement":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				child := node.NamedChild(j)
				switch child.Type() {
				case "dotted_name":
					res.Imports = append(res.Imports, child.Content(content))
				case "aliased_import":
					if name := child.ChildByFieldName("name"); name != nil {
						res.Imports = append(res.Imports, name.Content(content))
					}
				}
			}
		case "import_from_statement":
			if mod := node.ChildByFieldName("module_name"); mod != nil {
				res.Imports = append(res.Imports, mod.Content(content))
			}
		}
	}
	return res
}

func pythonDefinition(res *ParseResult, node *sitter.Node, content []byte) {
	name := fieldContent(node, "name", content)
	if name == "" {
		return
	}
	start, end := span(node)
	kind := tree.SymbolFunction
	if node.Type() == "class_definition" {
		kind = tree.SymbolType
	}
	res.Symbols = append(res.Symbols, tree.SymbolSpec{
		Kind:      kind,
		Name:      name,
		Signature: headline(node, content),
		StartLine: start,
		EndLine:   end,
		Public:    !strings.HasPrefix(name, "_"),
	})
}

func pythonAssignment(res *ParseResult, node *sitter.Node, content []byte) {
	left := node.ChildByFieldName("left")
	if left == nil || left.Type() != "identifier" {
		return
	}
	name := left.Content(content)
	start, end := span(node)

	kind := tree.SymbolOther
	if name == strings.ToUpper(name) && name != strings.ToLower(name) {
		kind = tree.SymbolConst
	}
	res.Symbols = append(res.Symbols, tree.SymbolSpec{
		Kind:      kind,
		Name:      name,
		Signature: headline(node, content),
		StartLine: start,
		EndLine:   end,
		Public:    !strings.HasPrefix(name, "_"),
	})
}

// ==================== JavaScript / TypeScript ====================

func extractJavaScript(root *sitter.Node, content []byte) *ParseResult {
	res := &ParseResult{}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		jsStatement(res, root.NamedChild(i), content, false)
	}
	return res
}

func jsStatement(res *ParseResult, node *sitter.Node, content []byte, exported bool) {
	switch node.Type() {
	case "export_statement":
		if decl := node.ChildByFieldName("declaration"); decl != nil {
			jsStatement(res, decl, content, true)
		}
	case "function_declaration", "generator_function_declaration":
		jsAddSymbol(res, node, fieldContent(node, "name", content), tree.SymbolFunction, content, exported)
	case "class_declaration":
		jsAddSymbol(res, node, fieldContent(node, "name", content), tree.SymbolType, content, exported)
	case "lexical_declaration", "variable_declaration":
		kind := tree.SymbolOther
		if strings.HasPrefix(node.Content(content), "const") {
			kind = tree.SymbolConst
		}
		for j := 0; j < int(node.NamedChildCount()); j++ {
			decl := node.NamedChild(j)
			if decl.Type() != "variable_declarator" {
				continue
			}
			jsAddSymbol(res, node, fieldContent(decl, "name", content), kind, content, exported)
		}
	case "import_statement":
		if src := node.ChildByFieldName("source"); src != nil {
			res.Imports = append(res.Imports, strings.Trim(src.Content(content), "'\"`"))
		}
	}
}

func jsAddSymbol(res *ParseResult, node *sitter.Node, name string, kind tree.SymbolKind, content []byte, exported bool) {
	if name == "" {
		return
	}
	start, end := span(node)
	res.Symbols = append(res.Symbols, tree.SymbolSpec{
		Kind:      kind,
		Name:      name,
		Signature: headline(node, content),
		StartLine: start,
		EndLine:   end,
		Public:    exported || !strings.HasPrefix(name, "_"),
	})
}

// ==================== Go ====================

func extractGo(root *sitter.Node, content []byte) *ParseResult {
	res := &ParseResult{}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch node.Type() {
		case "function_declaration", "method_declaration":
			name := fieldContent(node, "name", content)
			if name == "" {
				continue
			}
			start, end := span(node)
			res.Symbols = append(res.Symbols, tree.SymbolSpec{
				Kind:      tree.SymbolFunction,
				Name:      name,
				Signature: headline(node, content),
				StartLine: start,
				EndLine:   end,
				Public:    goExported(name),
			})
		case "type_declaration":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				spec := node.NamedChild(j)
				if spec.Type() != "type_spec" {
					continue
				}
				name := fieldContent(spec, "name", content)
				if name == "" {
					continue
				}
				kind := tree.SymbolType
				if typ := spec.ChildByFieldName("type"); typ != nil && typ.Type() == "interface_type" {
					kind = tree.SymbolInterface
				}
				start, end := span(spec)
				res.Symbols = append(res.Symbols, tree.SymbolSpec{
					Kind:      kind,
					Name:      name,
					Signature: "type " + name,
					StartLine: start,
					EndLine:   end,
					Public:    goExported(name),
				})
			}
		case "const_declaration", "var_declaration":
			kind := tree.SymbolConst
			if node.Type() == "var_declaration" {
				kind = tree.SymbolOther
			}
			for j := 0; j < int(node.NamedChildCount()); j++ {
				spec := node.NamedChild(j)
				if spec.Type() != "const_spec" && spec.Type() != "var_spec" {
					continue
				}
				for k := 0; k < int(spec.NamedChildCount()); k++ {
					id := spec.NamedChild(k)
					if id.Type() != "identifier" {
						continue
					}
					name := id.Content(content)
					start, end := span(spec)
					res.Symbols = append(res.Symbols, tree.SymbolSpec{
						Kind:      kind,
						Name:      name,
						Signature: headline(spec, content),
						StartLine: start,
						EndLine:   end,
						Public:    goExported(name),
					})
				}
			}
		case "import_declaration":
			collectGoImports(node, content, res)
		}
	}
	return res
}

func collectGoImports(node *sitter.Node, content []byte, res *ParseResult) {
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "import_spec" {
			if path := n.ChildByFieldName("path"); path != nil {
				res.Imports = append(res.Imports, strings.Trim(path.Content(content), "\""))
			}
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(node)
}

func goExported(name string) bool {
	for _, r := range name {
		return unicode.IsUpper(r)
	}
	return false
}

func fieldContent(node *sitter.Node, field string, content []byte) string {
	child := node.ChildByFieldName(field)
	if child == nil {
		return ""
	}
	return child.Content(content)
}
