package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/valyala/fastjson"

	"github.com/coffersTech/logflow/internal/errors"
	"github.com/coffersTech/logflow/internal/model"
)

// Parser decodes submission bodies. It is safe for concurrent use.
type Parser struct {
	pool fastjson.ParserPool
}

// ParseSubmission decodes a single submission. The body must be a
// non-empty JSON object.
func (p *Parser) ParseSubmission(body []byte) (model.RawLog, error) {
	v, release, err := p.parse(body, "ParseSubmission")
	if err != nil {
		return model.RawLog{}, err
	}
	defer release()

	obj, err := v.Object()
	if err != nil {
		return model.RawLog{}, errors.WrapInvalid(fmt.Errorf("expected a JSON object"), "Parser", "ParseSubmission", "decode body")
	}
	if obj.Len() == 0 {
		return model.RawLog{}, errors.WrapInvalid(errors.ErrNoData, "Parser", "ParseSubmission", "decode body")
	}

	raw, err := rawFromValue(v)
	if err != nil {
		return model.RawLog{}, errors.WrapInvalid(err, "Parser", "ParseSubmission", "decode body")
	}
	return raw, nil
}

// ParseBatch decodes a JSON array of submissions. Every element is checked
// before anything is returned.
func (p *Parser) ParseBatch(body []byte) ([]model.RawLog, error) {
	v, release, err := p.parse(body, "ParseBatch")
	if err != nil {
		return nil, err
	}
	defer release()

	arr, err := v.Array()
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrNotArray, "Parser", "ParseBatch", "decode body")
	}

	raws := make([]model.RawLog, 0, len(arr))
	for i, item := range arr {
		if item.Type() != fastjson.TypeObject {
			return nil, errors.WrapInvalid(fmt.Errorf("log %d: expected a JSON object", i), "Parser", "ParseBatch", "decode body")
		}
		raw, err := rawFromValue(item)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("log %d: %v", i, err), "Parser", "ParseBatch", "decode body")
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

// parse runs a pooled parser over body. The returned value is only valid
// until release is called.
func (p *Parser) parse(body []byte, method string) (*fastjson.Value, func(), error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil, errors.WrapInvalid(errors.ErrNoData, "Parser", method, "decode body")
	}

	fp := p.pool.Get()
	v, err := fp.ParseBytes(body)
	if err != nil {
		p.pool.Put(fp)
		return nil, nil, errors.WrapInvalid(fmt.Errorf("Invalid JSON: %v", err), "Parser", method, "decode body")
	}
	return v, func() { p.pool.Put(fp) }, nil
}

// rawFromValue extracts the known fields of a submission object. Unknown
// fields, including a caller supplied timestamp, are ignored. A null field
// counts as absent.
func rawFromValue(v *fastjson.Value) (model.RawLog, error) {
	var raw model.RawLog

	for _, field := range []struct {
		name string
		dst  **string
	}{
		{"level", &raw.Level},
		{"message", &raw.Message},
		{"service", &raw.Service},
	} {
		fv := v.Get(field.name)
		if fv == nil || fv.Type() == fastjson.TypeNull {
			continue
		}
		if fv.Type() != fastjson.TypeString {
			return raw, fmt.Errorf("%s must be a string", field.name)
		}
		s := string(fv.GetStringBytes())
		*field.dst = &s
	}

	if mv := v.Get("metadata"); mv != nil && mv.Type() != fastjson.TypeNull {
		if mv.Type() != fastjson.TypeObject {
			return raw, fmt.Errorf("metadata must be an object")
		}
		// The parser's memory is reused, so metadata is copied into plain
		// Go values before release.
		if err := json.Unmarshal(mv.MarshalTo(nil), &raw.Metadata); err != nil {
			return raw, fmt.Errorf("metadata: %v", err)
		}
	}

	return raw, nil
}
