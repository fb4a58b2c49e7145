package context

import (
	"strings"

	"github.com/lucasnoah/buildforge/internal/pipeline"
)

// Capability flags derived from the requirements document.
const (
	FeatureUI                = "has_ui"
	FeatureDocumentExport    = "has_document_export"
	FeatureSpreadsheetExport = "has_spreadsheet_export"
	FeaturePDFGeneration     = "has_pdf_generation"
	FeaturePresentations     = "has_presentations"
)

var featureKeywords = map[string][]string{
	FeatureDocumentExport:    {"export", "download", "word", "docx", "document generation"},
	FeatureSpreadsheetExport: {"export", "csv", "excel", "spreadsheet", "reporting", "data export"},
	FeaturePDFGeneration:     {"pdf", "invoice", "receipt", "report generation", "print"},
	FeaturePresentations:     {"presentation", "slides", "deck", "powerpoint"},
}

var noUIKeywords = []string{"cli only", "api only", "headless", "no frontend"}

// DetectFeatures derives capability flags from requirements text by
// case-insensitive keyword match.
func DetectFeatures(prd string) map[string]bool {
	lower := strings.ToLower(prd)
	features := map[string]bool{FeatureUI: !containsAny(lower, noUIKeywords)}
	for flag, keywords := range featureKeywords {
		features[flag] = containsAny(lower, keywords)
	}
	return features
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// SkillsFor returns the skill names injected into stage given the detected
// features, in injection order.
func SkillsFor(stage string, features map[string]bool) []string {
	var names []string
	if (stage == pipeline.StageUXDesigner || stage == pipeline.StageImplementer) && features[FeatureUI] {
		names = append(names, "frontend-design")
	}
	if stage == pipeline.StageImplementer {
		for _, s := range []struct{ flag, skill string }{
			{FeatureSpreadsheetExport, "xlsx"},
			{FeatureDocumentExport, "docx"},
			{FeaturePDFGeneration, "pdf"},
			{FeaturePresentations, "pptx"},
		} {
			if features[s.flag] {
				names = append(names, s.skill)
			}
		}
	}
	return names
}
