// Package verdict turns a validation response into a typed verdict. The
// response is checked against a JSON schema before any field is trusted.
package verdict

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"featuregate/internal/domain"
	"featuregate/internal/fault"
)

const (
	FallbackScore   = 50
	FallbackSummary = "Automatic validation incomplete - manual review recommended."
)

const schemaURL = "featuregate://verdict.json"

const schemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["overallScore", "passed", "validations"],
  "properties": {
    "overallScore": {"type": "number", "minimum": 0, "maximum": 100},
    "passed": {"type": "boolean"},
    "summary": {"type": "string"},
    "recommendations": {"type": "array", "items": {"type": "string"}},
    "validations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "status"],
        "properties": {
          "type": {"type": "string"},
          "status": {"type": "string"},
          "message": {"type": "string"}
        }
      }
    }
  }
}`

var schema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaText)); err != nil {
		panic(err)
	}
	return c.MustCompile(schemaURL)
}

// Dimension is the verdict for one validation type.
type Dimension struct {
	Type     string
	Status   string
	Feedback string
	Notes    []string
}

type Verdict struct {
	Score           int
	Passed          bool
	Summary         string
	Recommendations []string
	// Dimensions holds exactly one entry per domain.ValidationTypes, in order.
	Dimensions []Dimension
	Fallback   bool
}

type rawVerdict struct {
	OverallScore    float64  `json:"overallScore"`
	Passed          bool     `json:"passed"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
	Validations     []struct {
		Type    string          `json:"type"`
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"validations"`
}

// StripFences removes a fence that wraps the whole response. Fences quoted
// inside the body are left alone.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 6 || !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") {
		return s
	}
	inner := s[3 : len(s)-3]
	nl := strings.IndexByte(inner, '\n')
	if nl < 0 {
		return strings.TrimSpace(inner)
	}
	if info := strings.TrimSpace(inner[:nl]); strings.ContainsAny(info, "{[\"") {
		return strings.TrimSpace(inner)
	}
	return strings.TrimSpace(inner[nl+1:])
}

// jsonObject returns the response body, or the span from the first '{' to
// the last '}' when the model wrapped the object in prose.
func jsonObject(raw string) []byte {
	body := StripFences(raw)
	if json.Valid([]byte(body)) {
		return []byte(body)
	}
	start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return []byte(body)
	}
	return []byte(body[start : end+1])
}

// Parse reads a validation response. Errors are validation_parse_error and
// callers are expected to substitute Fallback.
func Parse(raw string) (Verdict, error) {
	body := jsonObject(raw)
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Verdict{}, fault.Wrap(fault.KindValidationParse, err, "response is not JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return Verdict{}, fault.Wrap(fault.KindValidationParse, err, "response does not match the verdict shape")
	}
	var rv rawVerdict
	if err := json.Unmarshal(body, &rv); err != nil {
		return Verdict{}, fault.Wrap(fault.KindValidationParse, err, "decode verdict")
	}

	v := Verdict{
		Score:           clampScore(rv.OverallScore),
		Passed:          rv.Passed,
		Summary:         strings.TrimSpace(rv.Summary),
		Recommendations: rv.Recommendations,
	}
	byType := map[string]Dimension{}
	for _, item := range rv.Validations {
		t := strings.ToLower(strings.TrimSpace(item.Type))
		if _, seen := byType[t]; seen {
			continue
		}
		byType[t] = Dimension{
			Type:     t,
			Status:   normalizeStatus(item.Status),
			Feedback: strings.TrimSpace(item.Message),
			Notes:    detailNotes(item.Details),
		}
	}
	for _, t := range domain.ValidationTypes {
		d, ok := byType[t]
		if !ok {
			d = Dimension{Type: t, Status: domain.ValidationWarning, Feedback: "No verdict returned for this dimension."}
		}
		v.Dimensions = append(v.Dimensions, d)
	}
	return v, nil
}

// Fallback is the neutral verdict used when a response cannot be read.
func Fallback() Verdict {
	v := Verdict{Score: FallbackScore, Passed: true, Summary: FallbackSummary, Fallback: true}
	for _, t := range domain.ValidationTypes {
		v.Dimensions = append(v.Dimensions, Dimension{
			Type:     t,
			Status:   domain.ValidationWarning,
			Feedback: "Response could not be parsed; manual review recommended.",
		})
	}
	return v
}

func clampScore(f float64) int {
	switch {
	case f < 0:
		return 0
	case f > 100:
		return 100
	}
	return int(f + 0.5)
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passed", "pass", "ok", "success":
		return domain.ValidationPassed
	case "failed", "fail", "error":
		return domain.ValidationFailed
	}
	return domain.ValidationWarning
}

// detailNotes accepts a string, a list of strings, or any other JSON value,
// which is kept as compact JSON text.
func detailNotes(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s = strings.TrimSpace(s); s == "" {
			return nil
		}
		return []string{s}
	}
	var list []any
	if json.Unmarshal(raw, &list) == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok {
				out = append(out, str)
				continue
			}
			b, _ := json.Marshal(item)
			out = append(out, string(b))
		}
		return out
	}
	return []string{strings.TrimSpace(string(raw))}
}
