package domain

import "slices"

// Kind says which input a model accepts.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindVision
)

// Catalog is the ordered set of models known to the bot: vision models first,
// then text models.
type Catalog struct {
	vision []string
	text   []string
}

// NewCatalog builds a catalog from the vision and text model lists.
func NewCatalog(vision, text []string) Catalog {
	return Catalog{vision: slices.Clone(vision), text: slices.Clone(text)}
}

// All returns every model in display order.
func (c Catalog) All() []string {
	return slices.Concat(c.vision, c.text)
}

// Contains reports whether model is in the catalog.
func (c Catalog) Contains(model string) bool {
	return c.Kind(model) != KindUnknown
}

// Kind classifies model.
func (c Catalog) Kind(model string) Kind {
	switch {
	case slices.Contains(c.vision, model):
		return KindVision
	case slices.Contains(c.text, model):
		return KindText
	}
	return KindUnknown
}

// At returns the model at index i of All.
func (c Catalog) At(i int) (string, bool) {
	all := c.All()
	if i < 0 || i >= len(all) {
		return "", false
	}
	return all[i], true
}

// Index is the position of model in All, or -1.
func (c Catalog) Index(model string) int {
	return slices.Index(c.All(), model)
}

// DefaultFreeModel is the first text model, or "" for a catalog without text
// models.
func (c Catalog) DefaultFreeModel() string {
	if len(c.text) == 0 {
		return ""
	}
	return c.text[0]
}
