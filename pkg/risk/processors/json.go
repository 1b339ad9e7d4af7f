package processors

import (
	"context"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var errNotObject = errors.New("record is not an object")

// JSONParser accepts a top-level array, an object with a transactions array, or a single object.
type JSONParser struct{}

func NewJSONParser() *JSONParser {
	return &JSONParser{}
}

func (p *JSONParser) Format() risk.Format { return risk.FormatJSON }

func (p *JSONParser) Parse(ctx context.Context, data []byte) ([]RawRecord, error) {
	if !gjson.ValidBytes(data) {
		return nil, &risk.MalformedDocumentError{Format: risk.FormatJSON, Err: errors.New("invalid JSON")}
	}

	root := gjson.ParseBytes(data)
	var items []gjson.Result
	switch {
	case root.IsArray():
		items = root.Array()
	case root.Get("transactions").IsArray():
		items = root.Get("transactions").Array()
	case root.IsObject():
		items = []gjson.Result{root}
	default:
		return nil, &risk.MalformedDocumentError{Format: risk.FormatJSON, Err: errors.New("expected an array or object")}
	}

	records := make([]RawRecord, 0, len(items))
	for i, item := range items {
		rec := RawRecord{Index: i, Fields: make(map[string]string)}
		if !item.IsObject() {
			rec.Err = errNotObject
			records = append(records, rec)
			continue
		}
		flattenJSON("", item, rec.Fields)
		rec.Text = renderFields(rec.Fields)
		records = append(records, rec)
	}
	return records, nil
}

// flattenJSON writes nested objects as prefix_key fields; arrays keep their raw text.
func flattenJSON(prefix string, v gjson.Result, out map[string]string) {
	v.ForEach(func(key, value gjson.Result) bool {
		name := fieldKey(key.String())
		if prefix != "" {
			name = prefix + "_" + name
		}
		if value.IsObject() {
			flattenJSON(name, value, out)
			return true
		}
		out[name] = value.String()
		return true
	})
}
