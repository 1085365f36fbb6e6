package format

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	"github.com/nhle/kolab-storage/internal/model"
)

// listAttr marks elements written from a list value. Items carry
// list="item"; an empty list is a single element with list="empty".
const (
	listAttr  = "list"
	listItem  = "item"
	listEmpty = "empty"
)

// decodeXML reads a Kolab payload. Leaf elements become strings, elements
// with children become map[string]any and repeated siblings become []any.
// Elements marked with the list attribute always become []any, so lists
// of zero or one item survive a round trip. Other attributes are ignored.
// Scalars other than strings are written with fmt and read back as strings.
func decodeXML(r io.Reader) (string, model.Object, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", nil, errors.New("payload has no root element")
		}
		if err != nil {
			return "", nil, fmt.Errorf("decoding payload: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		value, err := decodeElement(dec)
		if err != nil {
			return "", nil, fmt.Errorf("decoding <%s>: %w", start.Name.Local, err)
		}
		obj := model.Object{}
		if fields, ok := value.(map[string]any); ok {
			obj = model.Object(fields)
		}
		return start.Name.Local, obj, nil
	}
}

// decodeElement consumes tokens up to and including the end of the
// current element.
func decodeElement(dec *xml.Decoder) (any, error) {
	var text strings.Builder
	var fields map[string]any
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := decodeElement(dec)
			if err != nil {
				return nil, err
			}
			if fields == nil {
				fields = make(map[string]any)
			}
			switch listMarker(t) {
			case listItem:
				addItem(fields, t.Name.Local, v)
			case listEmpty:
				if _, ok := fields[t.Name.Local]; !ok {
					fields[t.Name.Local] = []any{}
				}
			default:
				addField(fields, t.Name.Local, v)
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if fields != nil {
				return fields, nil
			}
			return text.String(), nil
		}
	}
}

func addField(fields map[string]any, name string, v any) {
	prev, ok := fields[name]
	if !ok {
		fields[name] = v
		return
	}
	if list, ok := prev.([]any); ok {
		fields[name] = append(list, v)
		return
	}
	fields[name] = []any{prev, v}
}

func addItem(fields map[string]any, name string, v any) {
	switch prev := fields[name].(type) {
	case nil:
		fields[name] = []any{v}
	case []any:
		fields[name] = append(prev, v)
	default:
		fields[name] = []any{prev, v}
	}
}

func listMarker(start xml.StartElement) string {
	for _, a := range start.Attr {
		if a.Name.Space == "" && a.Name.Local == listAttr {
			return a.Value
		}
	}
	return ""
}

// validName reports whether name can be written as an XML element name
// without a namespace prefix.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && (r == '-' || r == '.' || unicode.IsDigit(r)):
		default:
			return false
		}
	}
	return true
}

// encodeXML writes obj as a Kolab payload with the given root element.
// The uid comes first, the remaining fields follow in name order.
func encodeXML(root string, obj model.Object) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	enc.Indent("", " ")
	start := xml.StartElement{
		Name: xml.Name{Local: root},
		Attr: []xml.Attr{{Name: xml.Name{Local: "version"}, Value: "1.0"}},
	}
	if err := enc.EncodeToken(start); err != nil {
		return nil, fmt.Errorf("encoding <%s>: %w", root, err)
	}
	if err := encodeFields(enc, obj); err != nil {
		return nil, fmt.Errorf("encoding <%s>: %w", root, err)
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return nil, fmt.Errorf("encoding <%s>: %w", root, err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("encoding <%s>: %w", root, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeFields(enc *xml.Encoder, fields map[string]any) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if name == model.FieldUID || name == model.FieldAttachments || name == model.FieldContent {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if _, ok := fields[model.FieldUID]; ok {
		names = append([]string{model.FieldUID}, names...)
	}

	for _, name := range names {
		if !validName(name) {
			return &model.ValidationError{Field: name, Message: "not a valid element name"}
		}
		if err := encodeList(enc, name, fields[name]); err != nil {
			return err
		}
	}
	return nil
}

func encodeList(enc *xml.Encoder, name string, v any) error {
	var items []any
	switch val := v.(type) {
	case []any:
		items = val
	case []string:
		items = make([]any, len(val))
		for i, item := range val {
			items[i] = item
		}
	default:
		return encodeValue(enc, name, v, "")
	}

	if len(items) == 0 {
		return encodeValue(enc, name, nil, listEmpty)
	}
	for _, item := range items {
		switch item.(type) {
		case []any, []string:
			return &model.ValidationError{Field: name, Message: "nested lists cannot be encoded"}
		}
		if err := encodeValue(enc, name, item, listItem); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(enc *xml.Encoder, name string, v any, marker string) error {
	start := xml.StartElement{Name: xml.Name{Local: name}}
	if marker != "" {
		start.Attr = []xml.Attr{{Name: xml.Name{Local: listAttr}, Value: marker}}
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	switch val := v.(type) {
	case map[string]any:
		if err := encodeFields(enc, val); err != nil {
			return err
		}
	case model.Object:
		if err := encodeFields(enc, val); err != nil {
			return err
		}
	case string:
		if err := enc.EncodeToken(xml.CharData(val)); err != nil {
			return err
		}
	case nil:
	default:
		if err := enc.EncodeToken(xml.CharData(fmt.Sprint(val))); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
