package backend

import (
	"fmt"
	"strings"
)

// SystemPrompt frames every completion request
const SystemPrompt = "You are an expert website conversion specialist. Generate high-converting landing pages " +
	"that drive business results. Always respond with valid JSON only."

const documentShape = `{
  "pageSpec": {
    "meta": {
      "title": "SEO-optimized title under 60 chars",
      "description": "Meta description under 155 chars",
      "locale": "en"
    },
    "brand": {
      "name": "Business/product name from the prompt",
      "tone": "professional|friendly|bold|elegant",
      "palette": { "primary": "#3B82F6", "neutral": "#374151", "accent": "#10B981" },
      "fonts": { "heading": "Inter|Poppins|Roboto", "body": "Inter|Open Sans|Source Sans Pro" },
      "radius": "sm|md|lg|xl|2xl"
    },
    "goals": ["collect-waitlist|pre-sell|book-calls"],
    "sections": [
      { "id": "hero1", "type": "Hero", "variant": "image-left|image-right|centered" },
      { "id": "features1", "type": "FeaturesGrid", "columns": 3 },
      { "id": "socialproof1", "type": "SocialProof", "variant": "logos|quotes" },
      { "id": "cta1", "type": "CTA", "variant": "card|banner" },
      { "id": "footer1", "type": "Footer" }
    ],
    "images": {
      "hero1": { "query": "professional hero image description", "orientation": "landscape|portrait" }
    }
  },
  "copySpec": {
    "hero1": {
      "headline": "Compelling headline addressing customer pain point",
      "subhead": "Supporting subheading with benefits",
      "primaryCta": "Get Started Free",
      "secondaryCta": "Learn More"
    },
    "features1": [ { "title": "Key Benefit", "desc": "How this helps customers" } ],
    "socialproof1": [ { "quote": "Authentic customer testimonial", "author": "Customer Name" } ],
    "cta1": { "headline": "Ready to get started?", "subhead": "Join thousands of satisfied customers", "cta": "Start Your Free Trial" },
    "footer1": { "links": ["Privacy", "Terms", "Contact"] }
  },
  "themeTokens": {
    "colors": { "primary": "#3B82F6", "neutral": "#374151", "accent": "#10B981" },
    "fonts": { "heading": "Inter", "body": "Inter" },
    "radius": "lg"
  }
}`

// RenderPrompt embeds the user's request into the generation instructions
func RenderPrompt(userPrompt string) string {
	quoted := strings.ReplaceAll(strings.TrimSpace(userPrompt), `"`, `'`)

	var b strings.Builder
	fmt.Fprintf(&b, "Create a high-converting landing page for: %q\n\n", quoted)
	b.WriteString("CRITICAL: You must respond with ONLY valid JSON. No explanations, no markdown, no code blocks - just the JSON object.\n\n")
	b.WriteString("Use between 4 and 6 sections, always starting with a Hero and ending with a Footer. ")
	b.WriteString("Every section id must be unique and have a matching copySpec entry.\n\n")
	b.WriteString("Required JSON structure:\n")
	b.WriteString(documentShape)
	fmt.Fprintf(&b, "\n\nGenerate this exact structure for: %q", quoted)
	return b.String()
}
