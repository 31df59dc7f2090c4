package models

import (
	"strings"

	"github.com/lib/pq"
)

// Asset is one 3D product asset row. The pipeline only ever writes PreviewImages.
type Asset struct {
	ArticleID     string         `gorm:"column:article_id;primaryKey" json:"article_id"`
	GLBLink       string         `gorm:"column:glb_link" json:"glb_link"`
	PreviewImages pq.StringArray `gorm:"column:preview_images;type:text[]" json:"preview_images"`
	Client        string         `gorm:"column:client" json:"client"`
	ProductName   string         `gorm:"column:product_name" json:"product_name"`
	NewUpload     bool           `gorm:"column:new_upload" json:"new_upload"`
}

// HasPreviewImages reports whether at least one preview image entry is non-blank.
func (a Asset) HasPreviewImages() bool {
	for _, img := range a.PreviewImages {
		trimmed := strings.TrimSpace(img)
		if trimmed != "" && trimmed != "null" {
			return true
		}
	}
	return false
}
