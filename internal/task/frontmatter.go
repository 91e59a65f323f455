// Package task reads and writes task records: markdown files prefixed with a
// YAML frontmatter header.
package task

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smart-tinker/ncrew-sub000/internal/stage"
)

const (
	frontmatterDelimiter = "---"

	keyTitle     = "title"
	keyStage     = "stage"
	keyStatus    = "status"
	keyPriority  = "priority"
	keyAgent     = "agent"
	keyProvider  = "provider"
	keyModel     = "model"
	keyStartedAt = "startedAt"
)

// knownKeys lists header keys with typed fields, in the order new keys are appended.
var knownKeys = []string{keyTitle, keyStage, keyStatus, keyPriority, keyAgent, keyProvider, keyModel, keyStartedAt}

// Field is a header entry without a typed field. Value keeps the original
// YAML node so lists and nested maps survive a rewrite untouched.
type Field struct {
	Key   string
	Value *yaml.Node
}

// Header is the typed task frontmatter. Unknown keys are carried in Extra.
type Header struct {
	Title     string
	Stage     stage.Stage
	Status    stage.Status
	Priority  string
	Agent     string
	Provider  string
	Model     string
	StartedAt time.Time
	Extra     []Field

	order    []string
	original map[string]*yaml.Node
}

// Document is a parsed task file.
type Document struct {
	Header    Header
	Body      string
	HasHeader bool
}

// ParseDocument splits a task file into header and body. A file without a
// header yields {Specification, New}. Headers that are not valid YAML are
// read as plain "key: value" lines.
func ParseDocument(data []byte) (Document, error) {
	text := string(data)
	headerText, body, found := splitFrontmatter(text)
	doc := Document{
		Header: Header{Stage: stage.Specification, Status: stage.StatusNew, original: map[string]*yaml.Node{}},
		Body:   body,
	}
	if !found {
		doc.Body = text
		return doc, nil
	}
	doc.HasHeader = true

	fields, err := decodeYAMLHeader(headerText)
	if err != nil {
		fields = decodeLineHeader(headerText)
	}
	if err := doc.Header.assign(fields); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Render writes the document back out. Existing keys keep their position,
// keys set for the first time are appended.
func (doc Document) Render() ([]byte, error) {
	mapping, err := doc.Header.mappingNode()
	if err != nil {
		return nil, err
	}
	if len(mapping.Content) == 0 && !doc.HasHeader {
		return []byte(doc.Body), nil
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelimiter + "\n")
	if len(mapping.Content) > 0 {
		encoder := yaml.NewEncoder(&buf)
		encoder.SetIndent(2)
		if err := encoder.Encode(mapping); err != nil {
			return nil, fmt.Errorf("encode frontmatter: %w", err)
		}
		if err := encoder.Close(); err != nil {
			return nil, fmt.Errorf("encode frontmatter: %w", err)
		}
	}
	buf.WriteString(frontmatterDelimiter + "\n")
	buf.WriteString(doc.Body)
	return buf.Bytes(), nil
}

// ExtraValue returns the passthrough scalar for an unknown key.
func (header Header) ExtraValue(key string) (string, bool) {
	for _, field := range header.Extra {
		if field.Key == key && field.Value != nil {
			return field.Value.Value, true
		}
	}
	return "", false
}

// SetExtra sets or appends a passthrough scalar value.
func (header *Header) SetExtra(key string, value string) {
	for i := range header.Extra {
		if header.Extra[i].Key != key {
			continue
		}
		if header.Extra[i].Value == nil {
			header.Extra[i].Value = &yaml.Node{}
		}
		header.Extra[i].Value.SetString(value)
		return
	}
	node := &yaml.Node{}
	node.SetString(value)
	header.Extra = append(header.Extra, Field{Key: key, Value: node})
}

// splitFrontmatter returns the header text and body when the text opens with a
// delimiter line and a closing delimiter line follows.
func splitFrontmatter(text string) (string, string, bool) {
	firstLine, rest, ok := strings.Cut(text, "\n")
	if !ok || strings.TrimRight(firstLine, " \t\r") != frontmatterDelimiter {
		return "", text, false
	}
	offset := 0
	for offset <= len(rest) {
		line, _, hasMore := strings.Cut(rest[offset:], "\n")
		if strings.TrimRight(line, " \t\r") == frontmatterDelimiter {
			bodyStart := offset + len(line)
			if hasMore {
				bodyStart++
			}
			return rest[:offset], rest[bodyStart:], true
		}
		if !hasMore {
			break
		}
		offset += len(line) + 1
	}
	return "", text, false
}

// decodeYAMLHeader parses the header as a YAML mapping.
func decodeYAMLHeader(headerText string) ([]Field, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(headerText), &root); err != nil {
		return nil, fmt.Errorf("decode frontmatter: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, errors.New("frontmatter is not a mapping")
	}
	fields := make([]Field, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		fields = append(fields, Field{Key: mapping.Content[i].Value, Value: mapping.Content[i+1]})
	}
	return fields, nil
}

// decodeLineHeader reads legacy headers as "key: value" lines.
func decodeLineHeader(headerText string) []Field {
	var fields []Field
	for _, line := range strings.Split(headerText, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		node := &yaml.Node{}
		node.SetString(strings.Trim(strings.TrimSpace(value), `"'`))
		fields = append(fields, Field{Key: strings.TrimSpace(key), Value: node})
	}
	return fields
}

// assign maps decoded fields onto the typed header. A repeated key keeps its
// first position and its last value.
func (header *Header) assign(fields []Field) error {
	for _, field := range fields {
		if _, seen := header.original[field.Key]; !seen {
			header.order = append(header.order, field.Key)
		} else if !isKnownKey(field.Key) {
			header.replaceExtra(field)
		}
		header.original[field.Key] = field.Value
		if !isKnownKey(field.Key) {
			if !header.hasExtra(field.Key) {
				header.Extra = append(header.Extra, field)
			}
			continue
		}
		if err := header.setKnown(field.Key, scalarValue(field.Value)); err != nil {
			return err
		}
	}
	return nil
}

// setKnown parses a raw scalar into the typed field for key.
func (header *Header) setKnown(key string, value string) error {
	switch key {
	case keyTitle:
		header.Title = value
	case keyStage:
		parsed, err := stage.ParseStage(value)
		if err != nil {
			return err
		}
		header.Stage = parsed
	case keyStatus:
		parsed, err := stage.ParseStatus(value)
		if err != nil {
			return err
		}
		header.Status = parsed
	case keyPriority:
		header.Priority = value
	case keyAgent:
		header.Agent = value
	case keyProvider:
		header.Provider = value
	case keyModel:
		header.Model = value
	case keyStartedAt:
		header.StartedAt = parseTimestamp(value)
	}
	return nil
}

// knownValue renders the typed field for key as a scalar string.
func (header Header) knownValue(key string) string {
	switch key {
	case keyTitle:
		return header.Title
	case keyStage:
		return string(header.Stage)
	case keyStatus:
		return string(header.Status)
	case keyPriority:
		return header.Priority
	case keyAgent:
		return header.Agent
	case keyProvider:
		return header.Provider
	case keyModel:
		return header.Model
	case keyStartedAt:
		if header.StartedAt.IsZero() {
			return ""
		}
		return header.StartedAt.UTC().Format(time.RFC3339)
	}
	return ""
}

// mappingNode builds the YAML mapping for the header.
func (header Header) mappingNode() (*yaml.Node, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	written := map[string]struct{}{}
	appendPair := func(key string, value *yaml.Node) {
		keyNode := &yaml.Node{}
		keyNode.SetString(key)
		mapping.Content = append(mapping.Content, keyNode, value)
		written[key] = struct{}{}
	}

	for _, key := range header.order {
		if isKnownKey(key) {
			appendPair(key, header.knownNode(key))
			continue
		}
		if value, ok := header.extraNode(key); ok {
			appendPair(key, value)
		}
	}
	for _, key := range knownKeys {
		if _, ok := written[key]; ok {
			continue
		}
		if header.knownValue(key) == "" {
			continue
		}
		appendPair(key, header.knownNode(key))
	}
	for _, field := range header.Extra {
		if _, ok := written[field.Key]; ok {
			continue
		}
		if strings.TrimSpace(field.Key) == "" || field.Value == nil {
			return nil, fmt.Errorf("frontmatter field %q has no value", field.Key)
		}
		appendPair(field.Key, field.Value)
	}
	return mapping, nil
}

// knownNode returns the original node when the typed value is unchanged so
// quoting and comments survive, and a fresh scalar otherwise.
func (header Header) knownNode(key string) *yaml.Node {
	value := header.knownValue(key)
	if original, ok := header.original[key]; ok && original != nil {
		var probe Header
		probe.Stage, probe.Status = header.Stage, header.Status
		if err := probe.setKnown(key, scalarValue(original)); err == nil && probe.knownValue(key) == value {
			return original
		}
	}
	node := &yaml.Node{}
	node.SetString(value)
	return node
}

// extraNode looks up the passthrough node for key.
func (header Header) extraNode(key string) (*yaml.Node, bool) {
	for _, field := range header.Extra {
		if field.Key == key && field.Value != nil {
			return field.Value, true
		}
	}
	return nil, false
}

// hasExtra reports whether key is already carried in Extra.
func (header Header) hasExtra(key string) bool {
	_, ok := header.extraNode(key)
	return ok
}

// replaceExtra swaps the value of an existing passthrough field.
func (header *Header) replaceExtra(field Field) {
	for i := range header.Extra {
		if header.Extra[i].Key == field.Key {
			header.Extra[i].Value = field.Value
			return
		}
	}
}

// scalarValue returns the text of a scalar node and an empty string otherwise.
func scalarValue(node *yaml.Node) string {
	if node == nil || node.Kind != yaml.ScalarNode {
		return ""
	}
	return strings.TrimSpace(node.Value)
}

// parseTimestamp accepts RFC3339 timestamps with or without fractional seconds.
func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

// isKnownKey reports whether key maps onto a typed header field.
func isKnownKey(key string) bool {
	for _, known := range knownKeys {
		if known == key {
			return true
		}
	}
	return false
}
