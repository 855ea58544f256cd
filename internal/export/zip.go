package export

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"quorum/api/internal/store"
)

// bundleAttachments streams every attachment of the given documents into a
// single ZIP archive. Files are grouped under a directory per document
// title; duplicate filenames within a directory get a numeric suffix.
func bundleAttachments(ctx context.Context, blobs BlobReader, documents []store.Document, bundleName string) (*Result, error) {
	var buf bytes.Buffer
	archive := zip.NewWriter(&buf)

	seen := make(map[string]int)
	added := 0
	for _, doc := range documents {
		dir := sanitizeFilename(doc.Title)
		for _, attachment := range doc.Attachments {
			reader, err := blobs.Get(ctx, attachment.Path)
			if err != nil {
				return nil, fmt.Errorf("read attachment %s: %w", attachment.FileName, err)
			}

			entryName := uniqueName(seen, path.Join(dir, attachment.FileName))
			writer, err := archive.Create(entryName)
			if err != nil {
				reader.Close()
				return nil, fmt.Errorf("create archive entry %s: %w", entryName, err)
			}
			if _, err := io.Copy(writer, reader); err != nil {
				reader.Close()
				return nil, fmt.Errorf("write archive entry %s: %w", entryName, err)
			}
			reader.Close()
			added++
		}
	}

	if err := archive.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	if added == 0 {
		return nil, fmt.Errorf("no attachments to bundle")
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: bundleName + ".zip",
		MimeType: "application/zip",
	}, nil
}

func uniqueName(seen map[string]int, filename string) string {
	key := filename
	n := seen[key]
	seen[key] = n + 1
	if n == 0 {
		return filename
	}
	ext := path.Ext(filename)
	base := filename[:len(filename)-len(ext)]
	return fmt.Sprintf("%s-%d%s", base, n, ext)
}
