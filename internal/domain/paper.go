package domain

import (
	"strings"
	"time"
)

// MaxTitleLength is the maximum number of runes persisted for a title.
const MaxTitleLength = 255

// TitleURLPrefix marks placeholder titles created from hyperlinks.
const TitleURLPrefix = "url:"

// PaperRecord represents one paper row. It is the unit of work moved through
// the processing stages.
type PaperRecord struct {
	ID         string
	Title      string
	State      PaperState
	Level      int
	Attempts   int
	PdfRef     *StorageRef
	TextRef    *StorageRef
	Score      *float64
	Reason     string
	ModelName  string
	DurationMS *int
	PdfMD5     string
	ParentID   string
	SeedNumber *int
	Metadata   map[string]interface{}
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Clone returns a copy whose metadata map and pointer fields can be mutated
// without affecting the receiver.
func (p *PaperRecord) Clone() *PaperRecord {
	if p == nil {
		return nil
	}
	c := *p
	c.Metadata = MergeMetadata(nil, p.Metadata)
	if p.PdfRef != nil {
		ref := *p.PdfRef
		c.PdfRef = &ref
	}
	if p.TextRef != nil {
		ref := *p.TextRef
		c.TextRef = &ref
	}
	if p.Score != nil {
		score := *p.Score
		c.Score = &score
	}
	if p.SeedNumber != nil {
		seed := *p.SeedNumber
		c.SeedNumber = &seed
	}
	if p.DurationMS != nil {
		d := *p.DurationMS
		c.DurationMS = &d
	}
	return &c
}

// LinkURL returns metadata.link.url, trimmed, or "".
func (p *PaperRecord) LinkURL() string {
	link, ok := p.Metadata["link"].(map[string]interface{})
	if !ok {
		return ""
	}
	url, _ := link["url"].(string)
	return strings.TrimSpace(url)
}

// TitleURL returns the URL of a "url:" placeholder title, or "". The prefix
// is matched case-insensitively.
func (p *PaperRecord) TitleURL() string {
	title := strings.TrimSpace(p.Title)
	if len(title) < len(TitleURLPrefix) || !strings.EqualFold(title[:len(TitleURLPrefix)], TitleURLPrefix) {
		return ""
	}
	return strings.TrimSpace(title[len(TitleURLPrefix):])
}

// SourceURLs returns the distinct direct URLs known for the paper, title URL
// first.
func (p *PaperRecord) SourceURLs() []string {
	var urls []string
	for _, u := range []string{p.TitleURL(), p.LinkURL()} {
		if u == "" || (len(urls) > 0 && urls[0] == u) {
			continue
		}
		urls = append(urls, u)
	}
	return urls
}

// CitationTitle returns metadata.citation.title when present, else the title.
func (p *PaperRecord) CitationTitle() string {
	if citation, ok := p.Metadata["citation"].(map[string]interface{}); ok {
		if title, ok := citation["title"].(string); ok && strings.TrimSpace(title) != "" {
			return strings.TrimSpace(title)
		}
	}
	return p.Title
}

// PaperUpdate carries the fields written alongside a state transition.
// Nil fields are left untouched. Metadata is merged key by key into the
// stored map.
type PaperUpdate struct {
	PdfRef      *StorageRef
	TextRef     *StorageRef
	Reason      *string
	ClearReason bool
	PdfMD5      *string
	Score       *float64
	ModelName   *string
	DurationMS  *int
	Metadata    map[string]interface{}

	// Attempts is never persisted. A state transition always resets the
	// counter to zero.
	Attempts *int
}

// WithReason returns an update that only sets the reason.
func WithReason(reason string) *PaperUpdate {
	return &PaperUpdate{Reason: &reason}
}

// Apply writes u into p. The attempt counter is reset regardless of u.
func (u *PaperUpdate) Apply(p *PaperRecord, state PaperState, now time.Time) {
	p.State = state
	p.Attempts = 0
	p.UpdatedAt = now
	if u == nil {
		return
	}
	if u.PdfRef != nil {
		ref := *u.PdfRef
		p.PdfRef = &ref
	}
	if u.TextRef != nil {
		ref := *u.TextRef
		p.TextRef = &ref
	}
	if u.ClearReason {
		p.Reason = ""
	}
	if u.Reason != nil {
		p.Reason = *u.Reason
	}
	if u.PdfMD5 != nil {
		p.PdfMD5 = *u.PdfMD5
	}
	if u.Score != nil {
		score := *u.Score
		p.Score = &score
	}
	if u.ModelName != nil {
		p.ModelName = *u.ModelName
	}
	if u.DurationMS != nil {
		d := *u.DurationMS
		p.DurationMS = &d
	}
	if len(u.Metadata) > 0 {
		p.Metadata = MergeMetadata(p.Metadata, u.Metadata)
	}
}

// MergeMetadata returns a new map holding base overlaid with patch.
func MergeMetadata(base, patch map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// TruncateTitle trims s and caps it at MaxTitleLength runes.
func TruncateTitle(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > MaxTitleLength {
		return string(runes[:MaxTitleLength])
	}
	return s
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string {
	return &v
}
