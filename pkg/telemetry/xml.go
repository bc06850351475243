package telemetry

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// ParseXML converts an XML document into a generic structure: elements
// become maps, repeated sibling names become slices, and text-only
// elements become strings. Attributes merge in as plain keys; mixed
// content keeps its text under "_Data".
func ParseXML(text string) (any, error) {
	dec := xml.NewDecoder(strings.NewReader(text))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("no root element found")
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return decodeElement(dec, start)
		}
	}
}

func decodeElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	node := map[string]any{}
	for _, attr := range start.Attr {
		node[attr.Name.Local] = attr.Value
	}
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			addChild(node, t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			content := strings.TrimSpace(text.String())
			if len(node) == 0 {
				return content, nil
			}
			if content != "" {
				node["_Data"] = content
			}
			return node, nil
		}
	}
}

// addChild inserts a child value, promoting repeated names to a slice
func addChild(node map[string]any, name string, child any) {
	existing, ok := node[name]
	if !ok {
		node[name] = child
		return
	}
	if list, isList := existing.([]any); isList {
		node[name] = append(list, child)
		return
	}
	node[name] = []any{existing, child}
}
