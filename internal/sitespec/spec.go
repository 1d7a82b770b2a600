// Package sitespec defines the structure of a generated landing page and validates backend output
// against it. A generated document has two independently validated parts: the page structure
// (pageSpec) and the free-form copy keyed by section id (copySpec).
package sitespec

import (
	"encoding/json"
)

// SectionType names a page block
type SectionType string

const (
	SectionHero         SectionType = "Hero"
	SectionFeaturesGrid SectionType = "FeaturesGrid"
	SectionSocialProof  SectionType = "SocialProof"
	SectionPricing      SectionType = "Pricing"
	SectionSteps        SectionType = "Steps"
	SectionFAQ          SectionType = "FAQ"
	SectionCTA          SectionType = "CTA"
	SectionFooter       SectionType = "Footer"
)

// Sub-schema names used in validation errors
const (
	SchemaPageSpec = "pageSpec"
	SchemaCopySpec = "copySpec"
)

// Meta describes the page document. Free-text fields here and in Brand are pointers: they must be
// present but may be empty.
type Meta struct {
	Title       *string `json:"title" validate:"required"`
	Description *string `json:"description" validate:"required"`
	Locale      string  `json:"locale,omitempty"`
}

type Palette struct {
	Primary *string `json:"primary" validate:"required"`
	Neutral *string `json:"neutral" validate:"required"`
	Accent  *string `json:"accent" validate:"required"`
}

type Fonts struct {
	Heading *string `json:"heading" validate:"required"`
	Body    *string `json:"body" validate:"required"`
}

type Brand struct {
	Name    *string `json:"name" validate:"required"`
	Tone    *string `json:"tone" validate:"required"`
	Palette Palette `json:"palette"`
	Fonts   Fonts   `json:"fonts"`
	Radius  string  `json:"radius" validate:"oneof=sm md lg xl 2xl"`
}

// DisplayName returns the brand name, or "" when it is absent
func (b Brand) DisplayName() string {
	if b.Name == nil {
		return ""
	}
	return *b.Name
}

// Section is one block of the page. Variant, Columns and Links only apply to some types.
type Section struct {
	ID      string      `json:"id" validate:"required"`
	Type    SectionType `json:"type" validate:"oneof=Hero FeaturesGrid SocialProof Pricing Steps FAQ CTA Footer"`
	Variant string      `json:"variant,omitempty"`
	Columns int         `json:"columns,omitempty"`
	Links   []string    `json:"links,omitempty"`
}

type Form struct {
	ID           string   `json:"id" validate:"required"`
	Fields       []string `json:"fields" validate:"required"`
	SubmitAction string   `json:"submitAction" validate:"required"`
}

type ImageSlot struct {
	Query       string `json:"query" validate:"required"`
	Orientation string `json:"orientation,omitempty" validate:"omitempty,oneof=landscape portrait"`
}

// PageSpec is the structural description of a page
type PageSpec struct {
	Meta     Meta                 `json:"meta"`
	Brand    Brand                `json:"brand"`
	Goals    []string             `json:"goals" validate:"required,dive,oneof=collect-waitlist pre-sell book-calls"`
	Sections []Section            `json:"sections" validate:"min=4,max=6,unique=ID,dive"`
	Forms    []Form               `json:"forms,omitempty" validate:"omitempty,dive"`
	Images   map[string]ImageSlot `json:"images,omitempty" validate:"omitempty,dive"`
}

// CopySpec holds section copy keyed by section id. Its shape is intentionally open.
type CopySpec map[string]any

// Document is a validated backend payload
type Document struct {
	PageSpec    PageSpec        `json:"pageSpec"`
	CopySpec    CopySpec        `json:"copySpec"`
	ThemeTokens json.RawMessage `json:"themeTokens,omitempty"`
}

// ApplyDefaults fills optional fields with their documented defaults
func (p *PageSpec) ApplyDefaults() {
	if p.Meta.Locale == "" {
		p.Meta.Locale = "en"
	}
	for i := range p.Sections {
		s := &p.Sections[i]
		switch s.Type {
		case SectionFeaturesGrid:
			if s.Columns == 0 {
				s.Columns = 3
			}
		case SectionSocialProof:
			if s.Variant == "" {
				s.Variant = "logos"
			}
		case SectionCTA:
			if s.Variant == "" {
				s.Variant = "card"
			}
		}
	}
	for id, slot := range p.Images {
		if slot.Orientation == "" {
			slot.Orientation = "landscape"
			p.Images[id] = slot
		}
	}
}

// Section returns the first section of the given type
func (p *PageSpec) Section(t SectionType) (Section, bool) {
	for _, s := range p.Sections {
		if s.Type == t {
			return s, true
		}
	}
	return Section{}, false
}
