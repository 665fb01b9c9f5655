// Package video builds provider payloads for asynchronous video generation
// and decodes the provider's create and query responses.
package video

import (
	"strings"

	"golang.org/x/text/cases"
)

// GenerationRequest is the inbound request as seen by the payload builder.
type GenerationRequest struct {
	Model       string
	Prompt      string
	AspectRatio string
	// Duration in seconds; zero means unspecified.
	Duration int
	Images   []string
	// EnhancePrompt is nil when the caller did not say.
	EnhancePrompt  *bool
	EnableUpsample bool
	Resolution     string
}

// Family selects the payload shape.
type Family string

const (
	FamilySora    Family = "sora"
	FamilyGeneric Family = "generic"
)

// Orientation of a Sora render.
type Orientation string

const (
	Landscape Orientation = "landscape"
	Portrait  Orientation = "portrait"
)

const (
	soraSize            = "large"
	soraDefaultDuration = 10
	upsampleResolution  = "1080p"
)

// OrientationTable maps aspect ratios onto Sora orientations. Ratios not in
// the table use the fallback.
type OrientationTable struct {
	ratios   map[string]Orientation
	fallback Orientation
}

// DefaultOrientations sends 16:9 to landscape and everything else to portrait.
func DefaultOrientations() OrientationTable {
	return NewOrientationTable(map[string]Orientation{"16:9": Landscape}, Portrait)
}

func NewOrientationTable(ratios map[string]Orientation, fallback Orientation) OrientationTable {
	cp := make(map[string]Orientation, len(ratios))
	for ratio, o := range ratios {
		cp[strings.TrimSpace(ratio)] = o
	}
	if fallback == "" {
		fallback = Portrait
	}
	return OrientationTable{ratios: cp, fallback: fallback}
}

func (t OrientationTable) Lookup(aspectRatio string) Orientation {
	if o, ok := t.ratios[strings.TrimSpace(aspectRatio)]; ok {
		return o
	}
	return t.fallback
}

// Payload is one of SoraPayload or GenericPayload.
type Payload interface {
	Family() Family
	ModelID() string
}

type SoraPayload struct {
	Model       string      `json:"model"`
	Prompt      string      `json:"prompt"`
	Orientation Orientation `json:"orientation"`
	Size        string      `json:"size"`
	Watermark   bool        `json:"watermark"`
	Duration    int         `json:"duration"`
	Images      []string    `json:"images,omitempty"`
}

func (p SoraPayload) Family() Family  { return FamilySora }
func (p SoraPayload) ModelID() string { return p.Model }

type GenericPayload struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	EnhancePrompt  bool     `json:"enhance_prompt"`
	EnableUpsample bool     `json:"enable_upsample"`
	AspectRatio    string   `json:"aspect_ratio,omitempty"`
	Duration       int      `json:"duration,omitempty"`
	Images         []string `json:"images,omitempty"`
}

func (p GenericPayload) Family() Family  { return FamilyGeneric }
func (p GenericPayload) ModelID() string { return p.Model }

// Builder turns requests into payloads. It does no I/O.
type Builder struct {
	orientations OrientationTable
	soraPrefix   string
}

func NewBuilder(orientations OrientationTable) *Builder {
	if orientations.ratios == nil {
		orientations = DefaultOrientations()
	}
	return &Builder{orientations: orientations, soraPrefix: string(FamilySora)}
}

var defaultBuilder = NewBuilder(DefaultOrientations())

// Build uses the default orientation table.
func Build(req GenerationRequest) Payload {
	return defaultBuilder.Build(req)
}

func (b *Builder) Build(req GenerationRequest) Payload {
	model := strings.TrimSpace(req.Model)
	prompt := strings.TrimSpace(req.Prompt)
	images := FilterImages(req.Images)

	if b.FamilyOf(model) == FamilySora {
		duration := req.Duration
		if duration <= 0 {
			duration = soraDefaultDuration
		}
		return SoraPayload{
			Model:       model,
			Prompt:      prompt,
			Orientation: b.orientations.Lookup(req.AspectRatio),
			Size:        soraSize,
			Watermark:   false,
			Duration:    duration,
			Images:      images,
		}
	}

	enhance := true
	if req.EnhancePrompt != nil {
		enhance = *req.EnhancePrompt
	}
	p := GenericPayload{
		Model:          model,
		Prompt:         prompt,
		EnhancePrompt:  enhance,
		EnableUpsample: req.EnableUpsample || strings.EqualFold(strings.TrimSpace(req.Resolution), upsampleResolution),
		AspectRatio:    strings.TrimSpace(req.AspectRatio),
		Images:         images,
	}
	if req.Duration > 0 {
		p.Duration = req.Duration
	}
	return p
}

// FamilyOf matches the model id case-insensitively against the Sora prefix.
func (b *Builder) FamilyOf(model string) Family {
	fold := cases.Fold()
	if strings.HasPrefix(fold.String(strings.TrimSpace(model)), b.soraPrefix) {
		return FamilySora
	}
	return FamilyGeneric
}

// FilterImages drops empty and whitespace-only entries and trims the rest.
// It returns nil when nothing remains so the field is omitted.
func FilterImages(images []string) []string {
	var out []string
	for _, img := range images {
		img = strings.TrimSpace(img)
		if img == "" {
			continue
		}
		out = append(out, img)
	}
	return out
}
