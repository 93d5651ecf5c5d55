package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/helixir/crawler-extractor/internal/domain"
)

var _ Gateway = (*MemoryGateway)(nil)

// MemoryGateway keeps blobs in process. It backs tests and local runs.
type MemoryGateway struct {
	mu         sync.Mutex
	pdfBucket  string
	textBucket string
	objects    map[string][]byte
	puts       int

	// PutErr, when set, is returned by every store call.
	PutErr error
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway(pdfBucket, textBucket string) *MemoryGateway {
	if textBucket == "" {
		textBucket = pdfBucket
	}
	return &MemoryGateway{
		pdfBucket:  pdfBucket,
		textBucket: textBucket,
		objects:    make(map[string][]byte),
	}
}

func (g *MemoryGateway) StorePDF(_ context.Context, paperID, filename string, data []byte) (domain.StorageRef, error) {
	return g.put(domain.NewStorageRef(g.pdfBucket, ObjectKey(paperID, filename, data)), data)
}

func (g *MemoryGateway) StoreText(_ context.Context, paperID, text string) (domain.StorageRef, error) {
	data := []byte(text)
	return g.put(domain.NewStorageRef(g.textBucket, ObjectKey(paperID, TextFilename, data)), data)
}

func (g *MemoryGateway) FetchBlob(_ context.Context, ref domain.StorageRef) ([]byte, error) {
	if _, _, err := parseRef(ref); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	data, ok := g.objects[ref.URI]
	if !ok {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorage, domain.NewNotFoundError("blob", ref.URI))
	}
	return append([]byte(nil), data...), nil
}

// Put stores data directly under ref.
func (g *MemoryGateway) Put(ref domain.StorageRef, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[ref.URI] = append([]byte(nil), data...)
}

// Len returns the number of stored objects.
func (g *MemoryGateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.objects)
}

// Puts returns the number of successful store calls, duplicates included.
func (g *MemoryGateway) Puts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.puts
}

func (g *MemoryGateway) put(ref domain.StorageRef, data []byte) (domain.StorageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.PutErr != nil {
		return domain.StorageRef{}, fmt.Errorf("%w: %w", domain.ErrStorage, g.PutErr)
	}
	g.puts++
	if _, exists := g.objects[ref.URI]; !exists {
		g.objects[ref.URI] = append([]byte(nil), data...)
	}
	return ref, nil
}
