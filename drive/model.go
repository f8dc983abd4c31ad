package drive

import (
	"time"

	"github.com/404wolf/drivefs/drivefs"
)

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
	GrantType    string `json:"grant_type"`
	AppID        string `json:"app_id,omitempty"`
}

type refreshTokenResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	ExpiresIn      int64  `json:"expires_in"`
	DefaultDriveID string `json:"default_drive_id"`
	NickName       string `json:"nick_name"`
}

type listFileRequest struct {
	DriveID        string `json:"drive_id"`
	ParentFileID   string `json:"parent_file_id"`
	Limit          int    `json:"limit"`
	All            bool   `json:"all"`
	Fields         string `json:"fields"`
	OrderBy        string `json:"order_by"`
	OrderDirection string `json:"order_direction"`
	Marker         string `json:"marker,omitempty"`
}

type listFileResponse struct {
	Items      []fileItem `json:"items"`
	NextMarker string     `json:"next_marker"`
}

type fileItem struct {
	FileID      string    `json:"file_id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Size        uint64    `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ContentHash string    `json:"content_hash"`
}

func (f fileItem) remoteFile() drivefs.RemoteFile {
	kind := drivefs.KindFile
	if f.Type == "folder" {
		kind = drivefs.KindDirectory
	}
	return drivefs.RemoteFile{
		ID:         f.FileID,
		Name:       f.Name,
		Kind:       kind,
		Size:       f.Size,
		ModTime:    f.UpdatedAt,
		CreateTime: f.CreatedAt,
		Hash:       f.ContentHash,
	}
}

type downloadURLRequest struct {
	DriveID string `json:"drive_id"`
	FileID  string `json:"file_id"`
}

type downloadURLResponse struct {
	URL        string    `json:"url"`
	Expiration time.Time `json:"expiration"`
}

type driveRequest struct {
	DriveID string `json:"drive_id"`
}

type driveResponse struct {
	UsedSize  uint64 `json:"used_size"`
	TotalSize uint64 `json:"total_size"`
}
