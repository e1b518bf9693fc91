package capability

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// document is a capability file kept as a YAML node tree so edits leave
// comments, key order and keys outside the schema untouched.
type document struct {
	root     yaml.Node
	enhanced bool
	tools    []*yaml.Node
}

func parseDocument(data []byte) (*document, error) {
	doc := &document{}
	if err := yaml.Unmarshal(data, &doc.root); err != nil {
		return nil, err
	}
	if doc.root.Kind == 0 {
		return doc, nil
	}
	var probe probeFile
	if err := doc.root.Decode(&probe); err != nil {
		return nil, err
	}
	doc.enhanced = isEnhanced(probe)

	top := doc.root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, errors.New("capability file must be a mapping")
	}
	if seq := mappingValue(top, "tools"); seq != nil {
		if seq.Kind != yaml.SequenceNode {
			return nil, errors.New("tools must be a list")
		}
		doc.tools = seq.Content
	}
	return doc, nil
}

// setAccess writes the hidden and enabled flags of the tool at index i,
// using the access block in the enhanced layout.
func (d *document) setAccess(i int, hidden, enabled bool) error {
	item := d.tools[i]
	if item.Kind != yaml.MappingNode {
		return fmt.Errorf("tools[%d] must be a mapping", i)
	}
	target := item
	if d.enhanced {
		access := mappingValue(item, "access")
		if access == nil || access.Kind != yaml.MappingNode {
			access = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			setMappingValue(item, "access", access)
		}
		target = access
	}
	setBool(target, "hidden", hidden, false)
	setBool(target, "enabled", enabled, true)
	return nil
}

func (d *document) encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&d.root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setMappingValue(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}

// setBool updates an existing key in place. A missing key is only added
// when value differs from the layout default.
func setBool(m *yaml.Node, key string, value, def bool) {
	node := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(value)}
	if existing := mappingValue(m, key); existing != nil {
		node.LineComment = existing.LineComment
		setMappingValue(m, key, node)
		return
	}
	if value != def {
		setMappingValue(m, key, node)
	}
}
