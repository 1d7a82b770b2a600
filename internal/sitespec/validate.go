package sitespec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed is returned when the payload is not a JSON object
var ErrMalformed = errors.New("payload is not a JSON object")

// ValidationError reports which sub-schema rejected the payload and why
type ValidationError struct {
	Schema string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s failed validation: %s", e.Schema, strings.Join(e.Issues, "; "))
}

// Envelope is a parsed but not yet validated payload
type Envelope map[string]json.RawMessage

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateSection, Section{})
	return v
}

// validateSection checks the fields that only some section types carry
func validateSection(sl validator.StructLevel) {
	s := sl.Current().Interface().(Section)

	switch s.Type {
	case SectionHero:
		switch s.Variant {
		case "image-left", "image-right", "centered":
		default:
			sl.ReportError(s.Variant, "variant", "Variant", "oneof", "image-left image-right centered")
		}
	case SectionFeaturesGrid:
		switch s.Columns {
		case 0, 2, 3, 4:
		default:
			sl.ReportError(s.Columns, "columns", "Columns", "oneof", "2 3 4")
		}
	case SectionSocialProof:
		if s.Variant != "" && s.Variant != "logos" && s.Variant != "quotes" {
			sl.ReportError(s.Variant, "variant", "Variant", "oneof", "logos quotes")
		}
	case SectionCTA:
		if s.Variant != "" && s.Variant != "card" && s.Variant != "banner" {
			sl.ReportError(s.Variant, "variant", "Variant", "oneof", "card banner")
		}
	}
}

// Parse decodes raw backend text into an envelope. Markdown code fences around the JSON are tolerated.
func Parse(raw string) (Envelope, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env == nil {
		return nil, ErrMalformed
	}
	return env, nil
}

// Validate checks both sub-schemas. The page spec is checked first; the returned
// *ValidationError names the sub-schema that failed.
func Validate(env Envelope) (*Document, error) {
	page, err := validatePageSpec(env[SchemaPageSpec])
	if err != nil {
		return nil, err
	}

	copySpec, err := validateCopySpec(env[SchemaCopySpec])
	if err != nil {
		return nil, err
	}

	doc := &Document{
		PageSpec: *page,
		CopySpec: copySpec,
	}
	if tokens := env["themeTokens"]; len(tokens) > 0 && !isNull(tokens) {
		doc.ThemeTokens = tokens
	}
	return doc, nil
}

func validatePageSpec(raw json.RawMessage) (*PageSpec, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, &ValidationError{Schema: SchemaPageSpec, Issues: []string{"missing"}}
	}

	var page PageSpec
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, &ValidationError{Schema: SchemaPageSpec, Issues: []string{decodeIssue(err)}}
	}

	if err := validate.Struct(&page); err != nil {
		return nil, &ValidationError{Schema: SchemaPageSpec, Issues: describe(err)}
	}

	page.ApplyDefaults()
	return &page, nil
}

func validateCopySpec(raw json.RawMessage) (CopySpec, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, &ValidationError{Schema: SchemaCopySpec, Issues: []string{"missing"}}
	}

	var copySpec CopySpec
	if err := json.Unmarshal(raw, &copySpec); err != nil {
		return nil, &ValidationError{Schema: SchemaCopySpec, Issues: []string{"must be an object keyed by section id"}}
	}
	return copySpec, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeIssue(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("%s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	return err.Error()
}

// describe turns validator errors into "path: rule" strings relative to the sub-schema root
func describe(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	issues := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		issues = append(issues, path+": "+rule)
	}
	return issues
}
