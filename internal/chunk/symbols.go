package chunk

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

func isCommentNode(nodeType string) bool {
	switch nodeType {
	case "comment", "line_comment", "block_comment":
		return true
	}
	return false
}

// isContainerNode reports whether a node is class- or struct-like and may
// be recursed into when oversize.
func isContainerNode(nodeType, language string) bool {
	switch language {
	case "go":
		return nodeType == "type_declaration"
	case "python":
		return nodeType == "class_definition" || nodeType == "decorated_definition"
	case "javascript", "typescript":
		return nodeType == "class_declaration" || nodeType == "class"
	case "ruby":
		return nodeType == "class" || nodeType == "module"
	case "java":
		return nodeType == "class_declaration" || nodeType == "interface_declaration" || nodeType == "enum_declaration"
	}
	return false
}

// containerBody locates the member-holding child of a container node.
func containerBody(node *sitter.Node) *sitter.Node {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "class_body", "block", "body_statement", "declaration_list",
			"field_declaration_list", "interface_body", "enum_body":
			return child
		}
	}
	return nil
}

func childText(node *sitter.Node, childType string, content []byte) string {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == childType {
			return string(content[child.StartByte():child.EndByte()])
		}
	}
	return ""
}

func findChild(node *sitter.Node, childType string) *sitter.Node {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == childType {
			return child
		}
	}
	return nil
}

// classifyNode determines the chunk kind and symbol name for a declaration
// node, per language.
func classifyNode(node *sitter.Node, content []byte, language string) (types.ChunkKind, string) {
	nodeType := node.Type()
	switch language {
	case "go":
		switch nodeType {
		case "function_declaration":
			return types.KindFunction, childText(node, "identifier", content)
		case "method_declaration":
			return types.KindMethod, childText(node, "field_identifier", content)
		case "type_declaration":
			if spec := findChild(node, "type_spec"); spec != nil {
				name := childText(spec, "type_identifier", content)
				if findChild(spec, "interface_type") != nil {
					return types.KindInterface, name
				}
				return types.KindType, name
			}
		case "const_declaration":
			return types.KindConstant, ""
		case "var_declaration":
			return types.KindVariable, ""
		}
	case "python":
		switch nodeType {
		case "function_definition":
			return types.KindFunction, childText(node, "identifier", content)
		case "class_definition":
			return types.KindClass, childText(node, "identifier", content)
		case "decorated_definition":
			if def := findChild(node, "function_definition"); def != nil {
				return types.KindFunction, childText(def, "identifier", content)
			}
			if def := findChild(node, "class_definition"); def != nil {
				return types.KindClass, childText(def, "identifier", content)
			}
		}
	case "javascript", "typescript":
		switch nodeType {
		case "function_declaration":
			return types.KindFunction, childText(node, "identifier", content)
		case "class_declaration":
			name := childText(node, "type_identifier", content)
			if name == "" {
				name = childText(node, "identifier", content)
			}
			return types.KindClass, name
		case "method_definition":
			return types.KindMethod, childText(node, "property_identifier", content)
		case "interface_declaration":
			return types.KindInterface, childText(node, "type_identifier", content)
		case "enum_declaration":
			return types.KindEnum, childText(node, "identifier", content)
		case "type_alias_declaration":
			return types.KindType, childText(node, "type_identifier", content)
		case "lexical_declaration", "variable_declaration":
			if decl := findChild(node, "variable_declarator"); decl != nil {
				name := childText(decl, "identifier", content)
				if findChild(decl, "arrow_function") != nil || findChild(decl, "function_expression") != nil {
					return types.KindFunction, name
				}
				return types.KindVariable, name
			}
		case "export_statement":
			for i := 0; i < int(node.ChildCount()); i++ {
				if kind, name := classifyNode(node.Child(i), content, language); kind != "" {
					return kind, name
				}
			}
		}
	case "ruby":
		switch nodeType {
		case "method":
			return types.KindMethod, childText(node, "identifier", content)
		case "class":
			return types.KindClass, childText(node, "constant", content)
		case "module":
			return types.KindModule, childText(node, "constant", content)
		}
	case "java":
		switch nodeType {
		case "method_declaration":
			return types.KindMethod, childText(node, "identifier", content)
		case "class_declaration":
			return types.KindClass, childText(node, "identifier", content)
		case "interface_declaration":
			return types.KindInterface, childText(node, "identifier", content)
		case "enum_declaration":
			return types.KindEnum, childText(node, "identifier", content)
		}
	}
	return "", ""
}

// AnnotateSymbols fills DefinesSymbols and UsesSymbols on each chunk by
// walking the file's syntax tree once and attributing captures to chunks
// by line range. Languages without a grammar leave both sets empty.
func (c *Chunker) AnnotateSymbols(ctx context.Context, relPath, language string, content []byte, chunks []*types.Chunk) error {
	lang := grammarFor(language, relPath)
	if lang == nil || len(chunks) == 0 {
		return nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	defer parser.Close()

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		// symbol extraction is best-effort; chunking already fell back
		return nil
	}
	defer tree.Close()

	defs := make([][]string, len(chunks))
	uses := make([][]string, len(chunks))
	chunkAt := func(line int) int {
		for i, ch := range chunks {
			if line >= ch.StartLine && line <= ch.EndLine {
				return i
			}
		}
		return -1
	}

	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		line := int(node.StartPoint().Row) + 1
		if _, name := classifyNode(node, content, language); name != "" {
			if i := chunkAt(line); i >= 0 {
				defs[i] = append(defs[i], name)
			}
		}
		if name := usageName(node, content, language); name != "" {
			if i := chunkAt(line); i >= 0 {
				uses[i] = append(uses[i], name)
			}
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			walk(node.Child(i))
		}
	}
	walk(tree.RootNode())

	for i, ch := range chunks {
		ch.DefinesSymbols = dedup(defs[i])
		ch.UsesSymbols = dedup(uses[i])
	}
	return nil
}

// usageName extracts the referenced name from call and type-use nodes.
func usageName(node *sitter.Node, content []byte, language string) string {
	switch language {
	case "go":
		switch node.Type() {
		case "call_expression":
			return calleeName(node, content)
		case "type_identifier":
			if p := node.Parent(); p != nil && p.Type() != "type_spec" {
				return string(content[node.StartByte():node.EndByte()])
			}
		}
	case "python":
		if node.Type() == "call" {
			return calleeName(node, content)
		}
	case "javascript", "typescript":
		switch node.Type() {
		case "call_expression", "new_expression":
			return calleeName(node, content)
		case "type_identifier":
			return string(content[node.StartByte():node.EndByte()])
		}
	case "ruby":
		if node.Type() == "call" {
			return calleeName(node, content)
		}
	case "java":
		switch node.Type() {
		case "method_invocation":
			return childText(node, "identifier", content)
		case "object_creation_expression":
			return childText(node, "type_identifier", content)
		}
	}
	return ""
}

// calleeName returns the rightmost identifier of a call target, so that
// both foo() and pkg.foo() yield "foo".
func calleeName(node *sitter.Node, content []byte) string {
	fn := node.Child(0)
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier", "field_identifier", "property_identifier":
		return string(content[fn.StartByte():fn.EndByte()])
	case "selector_expression", "member_expression", "attribute":
		last := fn.Child(int(fn.ChildCount()) - 1)
		if last != nil {
			switch last.Type() {
			case "identifier", "field_identifier", "property_identifier", "attribute":
				return string(content[last.StartByte():last.EndByte()])
			}
		}
	}
	return ""
}

func dedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
