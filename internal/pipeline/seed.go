package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/pdf"
	"github.com/helixir/crawler-extractor/internal/repository"
	"github.com/helixir/crawler-extractor/internal/storage"
)

// SeedUpload is a PDF uploaded to start or extend a lineage.
type SeedUpload struct {
	Title      string
	Filename   string
	Data       []byte
	Level      int
	ParentID   string
	SeedNumber *int
}

// UploadSeed stores the PDF and creates a PdfAvailable record for it. Level
// defaults to 1.
func UploadSeed(ctx context.Context, repo repository.PaperRepository, store storage.Gateway, upload SeedUpload) (*domain.PaperRecord, error) {
	if len(upload.Data) == 0 {
		return nil, domain.NewValidationError("file", "pdf content is empty")
	}
	title := strings.TrimSpace(upload.Title)
	if title == "" {
		return nil, domain.NewValidationError("title", "title is required")
	}
	filename := upload.Filename
	if filename == "" {
		filename = "upload.pdf"
	}
	level := upload.Level
	if level <= 0 {
		level = 1
	}

	id := uuid.NewString()
	ref, err := store.StorePDF(ctx, id, filename, upload.Data)
	if err != nil {
		return nil, fmt.Errorf("storing seed pdf: %w", err)
	}

	record, err := repo.CreatePdfAvailable(ctx, repository.SeedParams{
		ID:         id,
		Title:      domain.TruncateTitle(title),
		PdfRef:     ref,
		PdfMD5:     pdf.MD5Hex(upload.Data),
		Level:      level,
		ParentID:   upload.ParentID,
		SeedNumber: upload.SeedNumber,
		Metadata: map[string]interface{}{
			"upload": map[string]interface{}{"filename": filename, "bytes": len(upload.Data)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating seed record: %w", err)
	}
	return record, nil
}
