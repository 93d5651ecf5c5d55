package httpserver

import (
	"time"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/pipeline"
	"github.com/helixir/crawler-extractor/internal/repository"
)

type paperResponse struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	State      string                 `json:"state"`
	Level      int                    `json:"level"`
	Attempts   int                    `json:"attempts"`
	PdfURI     string                 `json:"pdf_uri,omitempty"`
	TextURI    string                 `json:"text_uri,omitempty"`
	PdfMD5     string                 `json:"pdf_md5,omitempty"`
	Score      *float64               `json:"score,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	ModelName  string                 `json:"model_name,omitempty"`
	DurationMS *int                   `json:"duration_ms,omitempty"`
	ParentID   string                 `json:"parent_id,omitempty"`
	SeedNumber *int                   `json:"seed_number,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

type listPapersResponse struct {
	Papers     []paperResponse `json:"papers"`
	TotalCount int             `json:"total_count"`
}

type levelCountsResponse struct {
	Counts []repository.LevelStatusCount `json:"counts"`
}

type seedCountsResponse struct {
	Counts []repository.SeedStatusCount `json:"counts"`
}

type runAcceptedResponse struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type outcomeResponse struct {
	PaperID  string                 `json:"paper_id"`
	Stage    string                 `json:"stage"`
	Success  bool                   `json:"success"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type harnessSummaryResponse struct {
	Stage    string          `json:"stage"`
	Level    int             `json:"level"`
	Tally    *pipeline.Tally `json:"tally"`
	Duration string          `json:"duration"`
}

func domainPaperToResponse(p *domain.PaperRecord) paperResponse {
	resp := paperResponse{
		ID:         p.ID,
		Title:      p.Title,
		State:      string(p.State),
		Level:      p.Level,
		Attempts:   p.Attempts,
		PdfMD5:     p.PdfMD5,
		Score:      p.Score,
		Reason:     p.Reason,
		ModelName:  p.ModelName,
		DurationMS: p.DurationMS,
		ParentID:   p.ParentID,
		SeedNumber: p.SeedNumber,
		Metadata:   p.Metadata,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
	if p.PdfRef != nil {
		resp.PdfURI = p.PdfRef.URI
	}
	if p.TextRef != nil {
		resp.TextURI = p.TextRef.URI
	}
	return resp
}

func domainPapersToList(papers []*domain.PaperRecord) listPapersResponse {
	out := make([]paperResponse, len(papers))
	for i, p := range papers {
		out[i] = domainPaperToResponse(p)
	}
	return listPapersResponse{Papers: out, TotalCount: len(out)}
}

func domainOutcomeToResponse(o domain.StageOutcome) outcomeResponse {
	return outcomeResponse{
		PaperID:  o.PaperID,
		Stage:    string(o.Stage),
		Success:  o.Success,
		Message:  o.Message,
		Metadata: o.Metadata,
	}
}
