// Package storage persists PDFs and extracted text in S3 compatible blob
// storage and addresses them with storage://<bucket>/<key> references.
package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/helixir/crawler-extractor/internal/domain"
)

// TextFilename is the object name suffix used for extracted text.
const TextFilename = "extracted.txt"

// Gateway stores and fetches paper artifacts. Uploading identical content for
// the same paper twice returns the same reference without error.
type Gateway interface {
	StorePDF(ctx context.Context, paperID, filename string, data []byte) (domain.StorageRef, error)
	StoreText(ctx context.Context, paperID, text string) (domain.StorageRef, error)
	FetchBlob(ctx context.Context, ref domain.StorageRef) ([]byte, error)
}

// ObjectKey returns <paperID>/<sha1(data)>-<filename>.
func ObjectKey(paperID, filename string, data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // content addressing, not security
	return fmt.Sprintf("%s/%s-%s", paperID, hex.EncodeToString(sum[:]), filename)
}

// parseRef splits ref into bucket and key.
func parseRef(ref domain.StorageRef) (string, string, error) {
	bucket, key := ref.Bucket(), ref.Key()
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed storage uri %q", domain.ErrStorage, ref.URI)
	}
	return bucket, key, nil
}
