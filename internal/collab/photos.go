package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
	"orderwizard/internal/storage"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// PhotoStore saves item photos under photos/<wizardId>/<ulid><ext>
type PhotoStore struct {
	storage storage.Storage
	policy  storage.FilePolicy
	log     *zap.Logger
}

func NewPhotoStore(st storage.Storage, policy storage.FilePolicy, log *zap.Logger) *PhotoStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PhotoStore{storage: st, policy: policy, log: log}
}

func (p *PhotoStore) Save(ctx context.Context, wizardID, name, contentType string, r io.Reader) (model.PhotoRef, error) {
	if err := p.policy.ValidateFile(name, contentType, -1); err != nil {
		return model.PhotoRef{}, fsm.Validation("photo", err.Error())
	}

	ext := strings.ToLower(path.Ext(name))
	objectName := fmt.Sprintf("%s/%s%s", wizardID, ulid.Make().String(), ext)

	metered := storage.NewMeteredReader(r, p.policy.MaxBytes())
	if err := p.storage.Put(ctx, objectName, metered); err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return model.PhotoRef{}, fsm.Validation("photo", fmt.Sprintf("file exceeds %.0f MB", p.policy.MaxFileMB))
		}
		if errors.Is(err, storage.ErrInvalidObjectName) {
			return model.PhotoRef{}, fsm.Validation("wizardId", "is not a valid path segment")
		}
		return model.PhotoRef{}, fmt.Errorf("failed to store photo: %w", err)
	}

	meta := storage.Metadata{
		Name:   path.Base(name),
		URL:    p.storage.URL(objectName),
		Size:   metered.Size(),
		MIME:   contentType,
		SHA256: metered.SHA256(),
	}
	if err := meta.Validate(); err != nil {
		_ = p.storage.Delete(ctx, objectName)
		return model.PhotoRef{}, fsm.Validation("photo", err.Error())
	}

	p.log.Info("Photo stored",
		zap.String("wizard_id", wizardID),
		zap.String("object", objectName),
		zap.Int64("size", meta.Size))

	return model.PhotoRef{
		Ref:         objectName,
		Name:        meta.Name,
		ContentType: meta.MIME,
		Size:        meta.Size,
		SHA256:      meta.SHA256,
	}, nil
}

// Open returns the stored photo for download
func (p *PhotoStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return p.storage.Get(ctx, ref)
}
