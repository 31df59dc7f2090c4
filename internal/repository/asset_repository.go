package repository

import (
	"context"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"glb-processor/internal/models"
)

// AssetFilter selects which assets of a client are returned.
type AssetFilter struct {
	// ProcessAll ignores the new-upload flag.
	ProcessAll bool
	// BlankOnly keeps only assets without usable preview images.
	BlankOnly bool
}

// AssetRepository defines the reads and writes the pipeline needs.
type AssetRepository interface {
	ListByClient(ctx context.Context, client string, filter AssetFilter) ([]models.Asset, error)
	UpdatePreviewImages(ctx context.Context, articleID string, urls []string) error
}

// AssetRepositoryImpl reads and updates asset rows with GORM.
type AssetRepositoryImpl struct {
	db    *gorm.DB
	table string
}

// NewAssetRepository creates a new AssetRepositoryImpl over the given table.
func NewAssetRepository(db *gorm.DB, table string) *AssetRepositoryImpl {
	if table == "" {
		table = "onboarding_assets"
	}
	return &AssetRepositoryImpl{db: db, table: table}
}

// ListByClient returns the client's assets with a binary link, in the
// database's natural order.
func (r *AssetRepositoryImpl) ListByClient(ctx context.Context, client string, filter AssetFilter) ([]models.Asset, error) {
	var assets []models.Asset
	if err := r.listQuery(ctx, client, filter).Find(&assets).Error; err != nil {
		return nil, errors.Wrapf(err, "query assets for client %s", client)
	}
	if !filter.BlankOnly {
		return assets, nil
	}
	blank := assets[:0]
	for _, a := range assets {
		if !a.HasPreviewImages() {
			blank = append(blank, a)
		}
	}
	return blank, nil
}

func (r *AssetRepositoryImpl) listQuery(ctx context.Context, client string, filter AssetFilter) *gorm.DB {
	q := r.db.WithContext(ctx).
		Table(r.table).
		Select("article_id, glb_link, preview_images, COALESCE(client, '') AS client, " +
			"COALESCE(product_name, '') AS product_name, COALESCE(new_upload, false) AS new_upload").
		Where("client = ?", client).
		Where("glb_link IS NOT NULL AND glb_link <> ''")
	if !filter.ProcessAll {
		q = q.Where("new_upload = ?", true)
	}
	return q
}

// UpdatePreviewImages replaces the preview image list of one asset.
func (r *AssetRepositoryImpl) UpdatePreviewImages(ctx context.Context, articleID string, urls []string) error {
	res := r.updatePreviewImages(ctx, articleID, urls)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update preview images for %s", articleID)
	}
	if res.RowsAffected == 0 && !res.DryRun {
		return errors.Wrapf(gorm.ErrRecordNotFound, "update preview images for %s", articleID)
	}
	return nil
}

func (r *AssetRepositoryImpl) updatePreviewImages(ctx context.Context, articleID string, urls []string) *gorm.DB {
	return r.db.WithContext(ctx).
		Table(r.table).
		Where("article_id = ?", articleID).
		Update("preview_images", pq.StringArray(urls))
}
