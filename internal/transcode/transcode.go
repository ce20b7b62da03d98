// Package transcode renders JSON and YAML documents as heading-and-bullet
// Markdown so the knowledge service indexes them as prose.
package transcode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const markdownExt = ".md"

type Format int

const (
	FormatNone Format = iota
	FormatJSON
	FormatYAML
)

// ParseError reports a document that could not be parsed. Nothing is
// rendered for it.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatNone
	}
}

func Applies(path string) bool {
	return FormatOf(path) != FormatNone
}

// UploadName is the name a transcoded file is uploaded under.
func UploadName(path string) string {
	return filepath.Base(path) + markdownExt
}

// File transcodes path into a fresh temp directory under dir and returns the
// rendered file. cleanup removes it and is safe to call more than once; it
// is non-nil even when err is set.
func File(path, dir string) (string, func(), error) {
	noop := func() {}
	format := FormatOf(path)
	if format == FormatNone {
		return "", noop, fmt.Errorf("transcode %s: unsupported extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", noop, err
	}
	rendered, err := Render(filepath.Base(path), data, format)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			parseErr.Path = path
		}
		return "", noop, err
	}
	tmpDir, err := os.MkdirTemp(dir, "kbsync-convert-*")
	if err != nil {
		return "", noop, err
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() { _ = os.RemoveAll(tmpDir) })
	}
	outPath := filepath.Join(tmpDir, UploadName(path))
	if err := os.WriteFile(outPath, rendered, 0o600); err != nil {
		cleanup()
		return "", noop, err
	}
	return outPath, cleanup, nil
}

// Render converts data to Markdown titled with name. Object key order
// follows the source document.
func Render(name string, data []byte, format Format) ([]byte, error) {
	var (
		root *node
		err  error
	)
	switch format {
	case FormatJSON:
		root, err = decodeJSON(data)
	case FormatYAML:
		root, err = decodeYAML(data)
	default:
		return nil, fmt.Errorf("render %s: unsupported format", name)
	}
	if err != nil {
		return nil, &ParseError{Path: name, Err: err}
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", name)
	if root != nil {
		writeNode(&b, root, 0)
	}
	return b.Bytes(), nil
}

type nodeKind int

const (
	scalarNode nodeKind = iota
	objectNode
	arrayNode
)

type node struct {
	kind   nodeKind
	value  string
	keys   []string
	values []*node
}

func (n *node) complex() bool {
	return n.kind != scalarNode
}

func writeNode(b *bytes.Buffer, n *node, depth int) {
	indent := strings.Repeat("  ", depth)
	switch n.kind {
	case objectNode:
		for i, key := range n.keys {
			child := n.values[i]
			if child.complex() {
				fmt.Fprintf(b, "%s- %s:\n", indent, key)
				writeNode(b, child, depth+1)
				continue
			}
			fmt.Fprintf(b, "%s- %s: %s\n", indent, key, child.value)
		}
	case arrayNode:
		for i, child := range n.values {
			if child.complex() {
				fmt.Fprintf(b, "%s- Item %d:\n", indent, i+1)
				writeNode(b, child, depth+1)
				continue
			}
			fmt.Fprintf(b, "%s- %s\n", indent, child.value)
		}
	default:
		fmt.Fprintf(b, "%s%s\n", indent, n.value)
	}
}

func decodeJSON(data []byte) (*node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	root, err := readJSONValue(dec)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after top-level value")
	}
	return root, nil
}

func readJSONValue(dec *json.Decoder) (*node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			obj := &node{kind: objectNode}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				child, err := readJSONValue(dec)
				if err != nil {
					return nil, err
				}
				obj.keys = append(obj.keys, key)
				obj.values = append(obj.values, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			arr := &node{kind: arrayNode}
			for dec.More() {
				child, err := readJSONValue(dec)
				if err != nil {
					return nil, err
				}
				arr.values = append(arr.values, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", v)
	case string:
		return &node{value: v}, nil
	case json.Number:
		return &node{value: v.String()}, nil
	case bool:
		return &node{value: strconv.FormatBool(v)}, nil
	case nil:
		return &node{value: "null"}, nil
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}

var (
	errMultipleDocuments = errors.New("multiple documents in one file")
	errExcessiveAliasing = errors.New("excessive aliasing")
)

const (
	maxYAMLDepth = 64
	// maxAliasNodes caps the nodes rendered through alias expansion.
	maxAliasNodes = 100_000
)

// decodeYAML accepts exactly one non-empty document, matching the JSON
// decoder's rejection of trailing values.
func decodeYAML(data []byte) (*node, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var root *yaml.Node
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if emptyDocument(&doc) {
			continue
		}
		if root != nil {
			return nil, errMultipleDocuments
		}
		root = doc.Content[0]
	}
	if root == nil {
		return nil, nil
	}
	conv := yamlConverter{aliasBudget: maxAliasNodes}
	return conv.convert(root, 0, false)
}

func emptyDocument(doc *yaml.Node) bool {
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return true
	}
	n := doc.Content[0]
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null" && n.Value == "" && n.Anchor == ""
}

type yamlConverter struct {
	aliasBudget int
}

func (c *yamlConverter) convert(n *yaml.Node, depth int, aliased bool) (*node, error) {
	if depth > maxYAMLDepth {
		return nil, errors.New("document nesting too deep")
	}
	if aliased {
		c.aliasBudget--
		if c.aliasBudget < 0 {
			return nil, errExcessiveAliasing
		}
	}
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return &node{value: "null"}, nil
		}
		return c.convert(n.Content[0], depth+1, aliased)
	case yaml.AliasNode:
		if n.Alias == nil {
			return &node{value: "null"}, nil
		}
		return c.convert(n.Alias, depth+1, true)
	case yaml.MappingNode:
		obj := &node{kind: objectNode}
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, err := c.convert(n.Content[i], depth+1, aliased)
			if err != nil {
				return nil, err
			}
			child, err := c.convert(n.Content[i+1], depth+1, aliased)
			if err != nil {
				return nil, err
			}
			obj.keys = append(obj.keys, key.value)
			obj.values = append(obj.values, child)
		}
		return obj, nil
	case yaml.SequenceNode:
		arr := &node{kind: arrayNode}
		for _, item := range n.Content {
			child, err := c.convert(item, depth+1, aliased)
			if err != nil {
				return nil, err
			}
			arr.values = append(arr.values, child)
		}
		return arr, nil
	default:
		if n.ShortTag() == "!!null" {
			return &node{value: "null"}, nil
		}
		return &node{value: n.Value}, nil
	}
}
