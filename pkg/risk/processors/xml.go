package processors

import (
	"bytes"
	"context"
	"encoding/xml"
	"strings"

	"github.com/athapong/aio-risk/pkg/risk"
)

type xmlNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content string     `xml:",chardata"`
	Nodes   []xmlNode  `xml:",any"`
}

// XMLParser treats every child of the root element as one record.
type XMLParser struct{}

func NewXMLParser() *XMLParser {
	return &XMLParser{}
}

func (p *XMLParser) Format() risk.Format { return risk.FormatXML }

func (p *XMLParser) Parse(ctx context.Context, data []byte) ([]RawRecord, error) {
	var root xmlNode
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&root); err != nil {
		return nil, &risk.MalformedDocumentError{Format: risk.FormatXML, Err: err}
	}

	// <export><transactions><transaction/>...</transactions></export>
	items := root.Nodes
	for len(items) == 1 && len(items[0].Nodes) > 0 && allBranches(items[0].Nodes) {
		items = items[0].Nodes
	}

	records := make([]RawRecord, 0, len(items))
	for i, n := range items {
		rec := RawRecord{Index: i, Fields: make(map[string]string)}
		flattenXML("", n, rec.Fields)
		rec.Text = renderFields(rec.Fields)
		records = append(records, rec)
	}
	return records, nil
}

func allBranches(nodes []xmlNode) bool {
	for _, n := range nodes {
		if len(n.Nodes) == 0 {
			return false
		}
	}
	return true
}

func flattenXML(prefix string, n xmlNode, out map[string]string) {
	for _, a := range n.Attrs {
		out[join(prefix, fieldKey(a.Name.Local))] = strings.TrimSpace(a.Value)
	}
	for _, c := range n.Nodes {
		name := join(prefix, fieldKey(c.XMLName.Local))
		if len(c.Nodes) == 0 {
			out[name] = strings.TrimSpace(c.Content)
			for _, a := range c.Attrs {
				out[join(name, fieldKey(a.Name.Local))] = strings.TrimSpace(a.Value)
			}
			continue
		}
		flattenXML(name, c, out)
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}
