// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extract pulls code artifacts out of agent output.
//
// Agent turns are markdown; the code lives in fenced regions tagged with a
// language. Extraction parses the turn with tree-sitter rather than regex
// fence-matching, so nested backticks inside prose and indentation quirks do
// not corrupt the artifact boundaries. A region's first line may carry a
// filename comment ("# filename: main.py") which is stripped and used to
// name the saved file; unnamed regions receive generated names.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	tree_sitter_markdown "github.com/smacker/go-tree-sitter/markdown/tree-sitter-markdown"
)

// Markdown AST node types consumed during extraction.
const (
	nodeFencedCodeBlock  = "fenced_code_block"
	nodeInfoString       = "info_string"
	nodeLanguage         = "language"
	nodeCodeFenceContent = "code_fence_content"
)

// filenameCommentPattern matches a language-appropriate first-line comment
// naming the file: "# filename: main.py", "// filename: cmd/main.go",
// "<!-- filename: index.html -->", "/* filename: style.css */".
var filenameCommentPattern = regexp.MustCompile(
	`(?i)^\s*(?:#|//|--|;|%|<!--|/\*)?\s*filename\s*:\s*(\S+?)\s*(?:-->|\*/)?\s*$`)

// Artifact is one code region extracted from an agent turn.
//
// Thread Safety: Artifacts are plain values; copy freely.
type Artifact struct {
	// Language is the lowercased fence tag ("python", "go").
	Language string `json:"language"`

	// Code is the region content with any filename comment stripped.
	Code string `json:"code"`

	// Filename is the declared or generated relative path.
	Filename string `json:"filename"`

	// Named is true when the filename came from a filename comment rather
	// than generation.
	Named bool `json:"named"`
}

// Options configures the Extractor.
type Options struct {
	// MaxInputSize bounds the turn size in bytes. Default: 10MB.
	MaxInputSize int
}

// DefaultOptions returns the default extraction options.
func DefaultOptions() Options {
	return Options{
		MaxInputSize: 10 * 1024 * 1024,
	}
}

// Option is a functional option for configuring the Extractor.
type Option func(*Options)

// WithMaxInputSize sets the maximum turn size in bytes.
func WithMaxInputSize(size int) Option {
	return func(o *Options) {
		o.MaxInputSize = size
	}
}

// Extractor extracts code artifacts from markdown agent output.
//
// Thread Safety: Extractor is safe for concurrent use. Each Extract call
// creates its own tree-sitter parser instance.
type Extractor struct {
	options Options
}

// NewExtractor creates an Extractor with the given options.
func NewExtractor(opts ...Option) *Extractor {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Extractor{options: options}
}

// Extract returns the code artifacts of one agent turn in document order.
//
// Description:
//
//	Parses text as markdown and collects every fenced region that carries
//	a language tag; untagged fences are treated as prose (sample output,
//	expected results) and skipped. Filename comments are stripped and
//	honored. Unnamed regions are named "main.<ext>" when the turn yields
//	exactly one region, "file_<n>.<ext>" otherwise.
//
//	A turn with no tagged fences returns an empty slice and no error;
//	deciding what that means (nothing to execute) is the caller's job.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	text - The full agent turn.
//
// Outputs:
//
//	[]Artifact - Extracted artifacts, possibly empty.
//	error - Non-nil for oversized or non-UTF-8 input or a parser failure.
//
// Thread Safety: Safe for concurrent use.
func (e *Extractor) Extract(ctx context.Context, text string) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extract canceled before start: %w", err)
	}
	if len(text) > e.options.MaxInputSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(text))
	}
	if !utf8.ValidString(text) {
		return nil, ErrInvalidContent
	}

	content := []byte(text)
	// Without a final newline the grammar folds the closing fence of a
	// trailing block into its code_fence_content.
	if len(content) > 0 && content[len(content)-1] != '\n' {
		content = append(content, '\n')
	}
	parser := sitter.NewParser()
	parser.SetLanguage(tree_sitter_markdown.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	defer tree.Close()

	var artifacts []Artifact
	collectFencedBlocks(tree.RootNode(), content, &artifacts)

	nameArtifacts(artifacts)
	return artifacts, nil
}

// collectFencedBlocks walks the AST and appends one Artifact per tagged
// fenced region, in document order.
func collectFencedBlocks(node *sitter.Node, content []byte, out *[]Artifact) {
	if node == nil {
		return
	}

	if node.Type() == nodeFencedCodeBlock {
		if a, ok := readFencedBlock(node, content); ok {
			*out = append(*out, a)
		}
		return
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		collectFencedBlocks(node.Child(i), content, out)
	}
}

// readFencedBlock extracts language and content from one fenced_code_block
// node. Untagged blocks report ok=false.
func readFencedBlock(node *sitter.Node, content []byte) (Artifact, bool) {
	language := ""
	code := ""

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case nodeInfoString:
			for j := 0; j < int(child.ChildCount()); j++ {
				langChild := child.Child(j)
				if langChild.Type() == nodeLanguage {
					language = string(content[langChild.StartByte():langChild.EndByte()])
					break
				}
			}
		case nodeCodeFenceContent:
			code = string(content[child.StartByte():child.EndByte()])
		}
	}

	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return Artifact{}, false
	}

	a := Artifact{Language: language}
	a.Filename, a.Code, a.Named = stripFilenameComment(code)
	return a, true
}

// stripFilenameComment peels a first-line filename comment off code.
func stripFilenameComment(code string) (filename, rest string, named bool) {
	first, remainder, _ := strings.Cut(code, "\n")
	m := filenameCommentPattern.FindStringSubmatch(first)
	if m == nil {
		return "", code, false
	}
	return m[1], remainder, true
}

// nameArtifacts assigns generated names to unnamed artifacts: main.<ext>
// for a single-region turn, file_<n>.<ext> otherwise.
func nameArtifacts(artifacts []Artifact) {
	single := len(artifacts) == 1
	for i := range artifacts {
		if artifacts[i].Named {
			continue
		}
		ext := ExtensionFor(artifacts[i].Language)
		if single {
			artifacts[i].Filename = "main." + ext
		} else {
			artifacts[i].Filename = fmt.Sprintf("file_%d.%s", i+1, ext)
		}
	}
}
