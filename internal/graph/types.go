package graph

import (
	"log/slog"
	"time"
)

// Transfer size constants. Files at or above UploadSessionThreshold use a
// resumable upload session with UploadChunkSize chunks; smaller files use
// a single PUT.
const (
	UploadSessionThreshold = 4 * 1024 * 1024
	UploadChunkSize        = 5 * 1024 * 1024
)

// Item is a normalized drive item from a delta page or transfer response.
// Callers never see raw API JSON.
type Item struct {
	ID              string
	Name            string
	RelativePath    string // forward-slash path relative to the drive root
	Size            int64
	LastModifiedUTC time.Time
	CTag            string
	ETag            string
	IsFolder        bool
	IsFile          bool
	IsDeleted       bool
	SHA256Hash      string // hex, when the server provides one
	DownloadURL     string // pre-authenticated, ephemeral; never log
}

// DeltaPage is one page of the change stream. Exactly one of NextLink
// (more pages follow) or DeltaLink (caught up, resumable token) is set
// on a well-formed response.
type DeltaPage struct {
	Items     []Item
	NextLink  string
	DeltaLink string
}

// UploadSession holds a pre-authenticated resumable upload URL.
// Sessions are never persisted; an interrupted upload restarts from zero.
type UploadSession struct {
	UploadURL  string
	Expiration time.Time
}

// driveItemResponse mirrors the raw API item JSON. Unknown fields are
// ignored by the decoder.
type driveItemResponse struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Size            int64            `json:"size"`
	ETag            string           `json:"eTag"`
	CTag            string           `json:"cTag"`
	LastModified    string           `json:"lastModifiedDateTime"`
	ParentReference *parentReference `json:"parentReference"`
	Folder          *struct{}        `json:"folder"`
	File            *fileFacet       `json:"file"`
	Deleted         *struct{}        `json:"deleted"`
	DownloadURL     string           `json:"@microsoft.graph.downloadUrl"` //nolint:tagliatelle // API annotation key
}

type parentReference struct {
	Path string `json:"path"`
}

type fileFacet struct {
	Hashes *fileHashes `json:"hashes"`
}

type fileHashes struct {
	SHA256Hash string `json:"sha256Hash"`
}

// toItem converts a raw API item to the normalized form: the relative path
// is derived from parentReference.path plus the name, and the modification
// timestamp is parsed as RFC 3339 UTC.
func (r *driveItemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:          r.ID,
		Name:        r.Name,
		Size:        r.Size,
		ETag:        r.ETag,
		CTag:        r.CTag,
		IsFolder:    r.Folder != nil,
		IsFile:      r.File != nil,
		IsDeleted:   r.Deleted != nil,
		DownloadURL: r.DownloadURL,
	}

	var parentPath string
	if r.ParentReference != nil {
		parentPath = r.ParentReference.Path
	}

	item.RelativePath = RemoteRelativePath(parentPath, r.Name)

	if r.File != nil && r.File.Hashes != nil {
		item.SHA256Hash = r.File.Hashes.SHA256Hash
	}

	if r.LastModified != "" {
		ts, err := time.Parse(time.RFC3339, r.LastModified)
		if err != nil {
			logger.Debug("unparseable item timestamp",
				slog.String("item_id", r.ID),
				slog.String("value", r.LastModified),
			)
		} else {
			item.LastModifiedUTC = ts.UTC()
		}
	}

	return item
}
