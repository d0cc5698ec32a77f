package cache

import (
	"fmt"
	"path/filepath"
)

// ThumbnailDir returns the directory holding the thumbnails of one node.
func ThumbnailDir(cacheDir, nodeUUID string) string {
	return filepath.Join(cacheDir, "thumbnails", nodeUUID)
}

// ThumbnailAsset describes the thumbnail of size for a file of a node. The
// local name is {file_uuid}-{size}{ext}.
func ThumbnailAsset(cacheDir, nodeUUID, fileUUID, size, ext, url string) Asset {
	path := filepath.Join(ThumbnailDir(cacheDir, nodeUUID), fmt.Sprintf("%s-%s%s", fileUUID, size, ext))
	return Asset{
		Key:        "thumb:" + fileUUID + ":" + size,
		URL:        url,
		Path:       path,
		HeaderPath: path + ".headers",
	}
}
