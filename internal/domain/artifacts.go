package domain

// PdfCandidate is a downloaded PDF together with where it came from.
type PdfCandidate struct {
	Filename  string
	Content   []byte
	SourceURL string
}

// LinkAnnotation is a hyperlink annotation found in a PDF.
type LinkAnnotation struct {
	URL  string `json:"url"`
	Text string `json:"text"`
	Page int    `json:"page"`
}

// TextExtractionResult is returned after a PDF has been converted to text.
type TextExtractionResult struct {
	TextRef StorageRef
	Text    string
	Links   []LinkAnnotation
}

// ScoreResult is the structured response of a scoring model.
type ScoreResult struct {
	Score      float64
	Reason     string
	ModelName  string
	DurationMS int
}

// CitationRecord is one citation captured from a paper.
type CitationRecord struct {
	RawText string `json:"raw_text"`
}

// PgxExtractionRow is one sample-level pharmacogenomic observation.
type PgxExtractionRow struct {
	SampleID           string `json:"sample_id"`
	Gene               string `json:"gene"`
	Allele             string `json:"allele"`
	RsID               string `json:"rs_id"`
	Medication         string `json:"medication"`
	Outcome            string `json:"outcome"`
	Actionability      string `json:"actionability"`
	CPICRecommendation string `json:"cpic_recommendation"`
	SourceContext      string `json:"source_context"`
}

// DedupKey identifies a row across overlapping page chunks.
func (r PgxExtractionRow) DedupKey() [4]string {
	return [4]string{r.SampleID, r.Gene, r.Allele, r.Medication}
}
