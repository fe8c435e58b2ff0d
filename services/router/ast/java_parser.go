// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast extracts symbol declarations from Java sources using
// tree-sitter. Both the in-process indexer and shard workers use it.
package ast

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

// DefaultMaxFileSize is the maximum file size the parser will accept (10MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

var (
	// ErrFileTooLarge is returned when input content exceeds the maximum file size.
	ErrFileTooLarge = errors.New("file exceeds maximum size limit")

	// ErrInvalidContent is returned when input is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")
)

// JavaParserOption configures a JavaParser instance.
type JavaParserOption func(*JavaParser)

// WithMaxFileSize sets the maximum file size the parser will accept.
func WithMaxFileSize(bytes int64) JavaParserOption {
	return func(p *JavaParser) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// JavaParser extracts declarations from Java source files.
//
// Thread Safety:
//
//	JavaParser instances are safe for concurrent use. Each Parse call
//	creates its own tree-sitter parser internally.
type JavaParser struct {
	maxFileSize int64
}

// NewJavaParser creates a parser with the given options.
func NewJavaParser(opts ...JavaParserOption) *JavaParser {
	p := &JavaParser{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// declarationNodes maps tree-sitter node types to symbol-bearing
// declarations. field_declaration and enum bodies are handled separately
// because their names live on nested nodes.
var declarationNodes = map[string]bool{
	"class_declaration":           true,
	"interface_declaration":       true,
	"enum_declaration":            true,
	"record_declaration":          true,
	"annotation_type_declaration": true,
	"method_declaration":          true,
	"constructor_declaration":     true,
}

// Parse extracts all declarations from one Java file.
//
// Inputs:
//   - ctx: Cancels long parses; checked before and after tree-sitter runs.
//   - content: Raw file bytes. Must be valid UTF-8 within the size limit.
//   - path: Workspace-relative path recorded on every symbol.
//
// Outputs:
//   - []protocol.Symbol: Declarations in source order. Sources with
//     syntax errors still yield the declarations tree-sitter recovered.
func (p *JavaParser) Parse(ctx context.Context, content []byte, path string) ([]protocol.Symbol, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}
	if int64(len(content)) > p.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), p.maxFileSize)
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(java.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled after tree-sitter: %w", err)
	}

	root := tree.RootNode()
	if root == nil {
		return nil, nil
	}

	var symbols []protocol.Symbol
	collectSymbols(root, content, path, &symbols)
	return symbols, nil
}

func collectSymbols(node *sitter.Node, content []byte, path string, out *[]protocol.Symbol) {
	switch {
	case declarationNodes[node.Type()]:
		appendNamed(node, content, path, out)
	case node.Type() == "field_declaration":
		// One field_declaration can declare several variables.
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if child.Type() == "variable_declarator" {
				appendNamed(child, content, path, out)
			}
		}
	case node.Type() == "enum_constant":
		appendNamed(node, content, path, out)
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		collectSymbols(node.NamedChild(i), content, path, out)
	}
}

func appendNamed(node *sitter.Node, content []byte, path string, out *[]protocol.Symbol) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := nameNode.Content(content)
	if name == "" {
		return
	}
	*out = append(*out, protocol.Symbol{
		Name:   name,
		Path:   path,
		Line:   nameNode.StartPoint().Row,
		Column: nameNode.StartPoint().Column,
	})
}
