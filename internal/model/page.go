package model

import "time"

// Usage captures token accounting from an AI call for provenance.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// PageArtifact is a derived text artifact (transcription or translation)
// together with the provenance of the call that produced it.
type PageArtifact struct {
	Text       string    `json:"text"`
	Model      string    `json:"model"`
	Usage      Usage     `json:"usage"`
	DurationMs int64     `json:"durationMs"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CropRegion describes the detected content region of a scanned page.
type CropRegion struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// SplitResult records whether a scan is a two-page spread and where the
// gutter sits.
type SplitResult struct {
	IsSpread   bool    `json:"isSpread"`
	GutterX    int     `json:"gutterX,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Page is one scanned page of a source document, with its derived artifacts.
type Page struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	// Index is the page's position within the document; sequential pipelines
	// process pages in ascending Index order.
	Index    int    `json:"index"`
	ImageKey string `json:"imageKey"`

	Transcription *PageArtifact            `json:"transcription,omitempty"`
	Translations  map[string]*PageArtifact `json:"translations,omitempty"`
	Crop          *CropRegion              `json:"crop,omitempty"`
	CropImageKey  string                   `json:"cropImageKey,omitempty"`
	Split         *SplitResult             `json:"split,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Translation returns the stored translation for a language, or nil.
func (p *Page) Translation(lang string) *PageArtifact {
	if p.Translations == nil {
		return nil
	}
	return p.Translations[lang]
}

// SetTranslation stores a translation artifact for a language.
func (p *Page) SetTranslation(lang string, artifact *PageArtifact) {
	if p.Translations == nil {
		p.Translations = make(map[string]*PageArtifact)
	}
	p.Translations[lang] = artifact
}
