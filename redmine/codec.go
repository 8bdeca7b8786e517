package redmine

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/s0up4200/redminer/comm"
)

// Format is the wire format a client speaks.
type Format string

// Supported wire formats
const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
)

// ParseFormat parses "json" or "xml", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatXML:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidConfig, s)
	}
}

// ContentType returns the MIME type of request bodies in this format.
func (f Format) ContentType() string {
	if f == FormatXML {
		return "application/xml"
	}
	return "application/json"
}

// extension is appended to every resource path.
func (f Format) extension() string {
	return "." + string(f)
}

// encodeOne serializes a write payload.
func encodeOne(f Format, single string, payload any) ([]byte, error) {
	if f == FormatXML {
		body, err := xml.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", single, err)
		}
		return append([]byte(xml.Header), body...), nil
	}

	body, err := json.Marshal(map[string]any{single: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", single, err)
	}
	return body, nil
}

// decodeOne parses a single-object response: {"issue": {...}} or <issue>...</issue>.
func decodeOne[T Entity](f Format, body []byte) (*T, error) {
	var item T
	single := item.resource().single

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &comm.FormatError{Message: fmt.Sprintf("empty %s response", single)}
	}

	if f == FormatXML {
		if err := newXMLDecoder(body).Decode(&item); err != nil {
			return nil, &comm.FormatError{Message: fmt.Sprintf("cannot parse %s", single), Err: err}
		}
		return &item, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &comm.FormatError{Message: fmt.Sprintf("cannot parse %s", single), Err: err}
	}
	raw, ok := envelope[single]
	if !ok {
		return nil, &comm.FormatError{Message: fmt.Sprintf("response has no %q object", single)}
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, &comm.FormatError{Message: fmt.Sprintf("cannot parse %s", single), Err: err}
	}
	return &item, nil
}

// decodeList parses a listing. An empty body is an empty page.
func decodeList[T Entity](f Format, body []byte) (*Page[T], error) {
	var zero T
	r := zero.resource()

	page := &Page[T]{Items: []T{}}
	if len(bytes.TrimSpace(body)) == 0 {
		return page, nil
	}

	var err error
	if f == FormatXML {
		err = decodeXMLList(body, r, page)
	} else {
		err = decodeJSONList(body, r, page)
	}
	if err != nil {
		return nil, &comm.FormatError{Message: fmt.Sprintf("cannot parse %s list", r.single), Err: err}
	}
	return page, nil
}

func decodeJSONList[T Entity](body []byte, r resource, page *Page[T]) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}

	if raw, ok := envelope[r.plural]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &page.Items); err != nil {
			return err
		}
	}

	for key, dst := range map[string]*int{
		"total_count": &page.TotalCount,
		"offset":      &page.Offset,
		"limit":       &page.Limit,
	} {
		if raw, ok := envelope[key]; ok {
			if err := json.Unmarshal(raw, dst); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	if _, ok := envelope["total_count"]; !ok {
		page.TotalCount = len(page.Items)
	}
	return nil
}

// decodeXMLList reads <plural total_count=".." offset=".." limit=".."> and
// every <single> child.
func decodeXMLList[T Entity](body []byte, r resource, page *Page[T]) error {
	dec := newXMLDecoder(body)

	root, err := nextStart(dec)
	if err != nil {
		return err
	}
	if root.Name.Local != r.plural {
		return fmt.Errorf("expected <%s>, got <%s>", r.plural, root.Name.Local)
	}

	page.TotalCount = -1
	for _, attr := range root.Attr {
		var dst *int
		switch attr.Name.Local {
		case "total_count":
			dst = &page.TotalCount
		case "offset":
			dst = &page.Offset
		case "limit":
			dst = &page.Limit
		default:
			continue
		}
		n, err := strconv.Atoi(attr.Value)
		if err != nil {
			return fmt.Errorf("%s attribute: %w", attr.Name.Local, err)
		}
		*dst = n
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != r.single {
				if err := dec.Skip(); err != nil {
					return err
				}
				continue
			}
			var item T
			if err := dec.DecodeElement(&item, &t); err != nil {
				return err
			}
			page.Items = append(page.Items, item)
		case xml.EndElement:
			if t.Name.Local == r.plural {
				if page.TotalCount < 0 {
					page.TotalCount = len(page.Items)
				}
				return nil
			}
		}
	}

	if page.TotalCount < 0 {
		page.TotalCount = len(page.Items)
	}
	return nil
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// newXMLDecoder reads bodies that the pipeline has already transcoded to
// UTF-8, whatever the prolog declares.
func newXMLDecoder(body []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return dec
}
