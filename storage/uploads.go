package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveUpload records an uploaded attachment. Re-saving a digest keeps the first upload.
func (s *Store) SaveUpload(upload AttachmentUpload) error {
	if upload.Digest == "" {
		return errors.New("digest is required")
	}
	if upload.URL == "" {
		return errors.New("url is required")
	}
	if len(upload.Key) == 0 {
		return errors.New("key is required")
	}
	if upload.UploadedAt == 0 {
		upload.UploadedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO attachment_uploads (
			digest,
			url,
			key,
			size,
			stored_path,
			uploaded_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		upload.Digest,
		upload.URL,
		upload.Key,
		upload.Size,
		upload.StoredPath,
		upload.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("save upload %q: %w", upload.Digest, err)
	}
	return nil
}

// GetUploadByDigest returns the upload recorded for a plaintext digest.
func (s *Store) GetUploadByDigest(digest string) (*AttachmentUpload, error) {
	var upload AttachmentUpload
	err := s.db.QueryRow(
		`SELECT digest, url, key, size, stored_path, uploaded_at
		FROM attachment_uploads
		WHERE digest = ?`,
		digest,
	).Scan(
		&upload.Digest,
		&upload.URL,
		&upload.Key,
		&upload.Size,
		&upload.StoredPath,
		&upload.UploadedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get upload %q: %w", digest, err)
	}
	return &upload, nil
}
