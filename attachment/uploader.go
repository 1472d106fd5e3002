// Package attachment stores encrypted attachment bodies on local disk and
// hands out pointers that peers fetch through the API.
package attachment

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"gosession/crypto"
	"gosession/models"
	"gosession/storage"
)

// URLPrefix is the API path attachment blobs are served under.
const URLPrefix = "/attachments/"

var (
	ErrEmptyAttachment = errors.New("attachment: body is empty")
	ErrInvalidDigest   = errors.New("attachment: invalid digest")
	ErrDigestMismatch  = errors.New("attachment: digest mismatch")
	ErrNotFound        = errors.New("attachment: not found")
)

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// UploadStore remembers which plaintext digests were already uploaded.
type UploadStore interface {
	SaveUpload(upload storage.AttachmentUpload) error
	GetUploadByDigest(digest string) (*storage.AttachmentUpload, error)
}

// Uploader encrypts attachments under a fresh key and writes them to dir.
// Identical bodies are uploaded once and share a pointer.
type Uploader struct {
	store UploadStore
	dir   string
	log   *logrus.Entry
	group singleflight.Group
}

// NewUploader creates dir if needed.
func NewUploader(store UploadStore, dir string, log *logrus.Entry) (*Uploader, error) {
	if store == nil {
		return nil, errors.New("attachment: store is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	if log == nil {
		log = logrus.WithField("component", "attachment")
	}
	return &Uploader{store: store, dir: dir, log: log}, nil
}

// Upload encrypts attachment.Data and returns the pointer to send.
func (u *Uploader) Upload(ctx context.Context, attachment models.Attachment) (models.AttachmentPointer, error) {
	if len(attachment.Data) == 0 {
		return models.AttachmentPointer{}, ErrEmptyAttachment
	}
	if err := ctx.Err(); err != nil {
		return models.AttachmentPointer{}, err
	}

	sum := sha256.Sum256(attachment.Data)
	digest := hex.EncodeToString(sum[:])

	result, err, _ := u.group.Do(digest, func() (any, error) {
		return u.uploadOnce(digest, attachment.Data)
	})
	if err != nil {
		return models.AttachmentPointer{}, err
	}
	upload := result.(*storage.AttachmentUpload)

	id := attachment.ID
	if id == "" {
		id = uuid.NewString()
	}
	return models.AttachmentPointer{
		ID:          id,
		ContentType: attachment.ContentType,
		FileName:    attachment.FileName,
		Size:        int64(len(attachment.Data)),
		URL:         upload.URL,
		Digest:      digest,
		Key:         append([]byte(nil), upload.Key...),
	}, nil
}

func (u *Uploader) uploadOnce(digest string, data []byte) (*storage.AttachmentUpload, error) {
	if existing, err := u.store.GetUploadByDigest(digest); err == nil {
		if _, statErr := os.Stat(existing.StoredPath); statErr == nil {
			u.log.WithField("digest", digest).Debug("attachment already uploaded")
			return existing, nil
		}
		return nil, fmt.Errorf("attachment %s recorded but blob missing at %s", digest, existing.StoredPath)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	key := make([]byte, crypto.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate attachment key: %w", err)
	}
	sealed, err := crypto.Seal(key, data, []byte(digest))
	if err != nil {
		return nil, err
	}

	path := u.blobPath(digest)
	if err := writeFileAtomic(path, sealed); err != nil {
		return nil, err
	}

	upload := storage.AttachmentUpload{
		Digest:     digest,
		URL:        URLPrefix + digest,
		Key:        key,
		Size:       int64(len(data)),
		StoredPath: path,
	}
	if err := u.store.SaveUpload(upload); err != nil {
		return nil, err
	}
	u.log.WithFields(logrus.Fields{"digest": digest, "size": len(data)}).Info("attachment uploaded")
	return &upload, nil
}

// Blob returns the encrypted body for digest, as served to peers.
func (u *Uploader) Blob(digest string) ([]byte, error) {
	if !digestPattern.MatchString(digest) {
		return nil, ErrInvalidDigest
	}
	sealed, err := os.ReadFile(u.blobPath(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", digest, err)
	}
	return sealed, nil
}

// Decrypt opens a fetched blob with its pointer and checks the digest.
func Decrypt(pointer models.AttachmentPointer, sealed []byte) ([]byte, error) {
	plaintext, err := crypto.Open(pointer.Key, sealed, []byte(pointer.Digest))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != pointer.Digest {
		return nil, ErrDigestMismatch
	}
	return plaintext, nil
}

func (u *Uploader) blobPath(digest string) string {
	return filepath.Join(u.dir, digest+".bin")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp attachment: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write attachment: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close attachment: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store attachment: %w", err)
	}
	return nil
}
