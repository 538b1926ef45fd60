package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
	"github.com/javaos74/uipath-mcp-server/internal/uipath"
)

type storageBucketModule struct {
	client Orchestrator
}

// NewStorageBucketModule 存储桶工具
func NewStorageBucketModule(client Orchestrator) Module {
	return &storageBucketModule{client: client}
}

func (m *storageBucketModule) Name() string { return "uipath_storagebucket" }

func (m *storageBucketModule) Tools() []Descriptor {
	return []Descriptor{
		{
			Name:        "uipath_get_storage_buckets",
			Description: "Get UiPath storage buckets contain id, name and description, optionally filtered by name.",
			InputSchema: schema(map[string]any{
				"folder_id":   prop("integer", "Folder ID (organization unit ID)"),
				"bucket_name": prop("string", "Optional bucket name to search for (partial match)"),
				"top":         propDefault("integer", "Maximum number of results to return (default: 100)", 100),
				"skip":        propDefault("integer", "Number of results to skip for pagination (default: 0)", 0),
			}, "folder_id"),
			Function: "get_storage_buckets",
			Callable: CallableFunc(m.getStorageBuckets),
		},
		{
			Name:        "uipath_get_storage_bucket_by_name",
			Description: "Get storage bucket details by exact bucket name. Returns bucket information including ID, identifier, and folder count.",
			InputSchema: schema(map[string]any{
				"folder_id":   prop("integer", "Folder ID (organization unit ID)"),
				"bucket_name": prop("string", "Bucket name to search for (exact match, case-sensitive)"),
			}, "folder_id", "bucket_name"),
			Function: "get_storage_bucket_by_name",
			Callable: CallableFunc(m.getStorageBucketByName),
		},
		{
			Name: "uipath_get_storage_bucket_upload_url",
			Description: "Get a pre-signed upload URL for uploading a file to a storage bucket. " +
				"The returned URL can be used to upload file content via HTTP PUT request. " +
				"When uploading multiple files in the same session, reuse the 'directory' value returned from the first call.",
			InputSchema: schema(map[string]any{
				"folder_id":    prop("integer", "Folder ID (organization unit ID) - required"),
				"bucket_id":    prop("integer", "Storage bucket ID - required"),
				"file_name":    prop("string", "File name with extension (e.g., 'report.pdf'). Just the filename, not a full path - required"),
				"content_type": propDefault("string", "MIME type of the file (e.g., 'application/pdf')", "application/octet-stream"),
				"directory":    prop("string", "Optional directory name for organizing files. A UUID is generated when omitted."),
			}, "folder_id", "bucket_id", "file_name"),
			Function: "get_storage_bucket_upload_url",
			Callable: CallableFunc(m.getUploadURL),
		},
	}
}

func (m *storageBucketModule) getStorageBuckets(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	folderID, err := requiredID(args, "folder_id")
	if err != nil {
		return nil, err
	}
	q := uipath.BucketQuery{Name: stringArg(args, "bucket_name", "")}
	if q.Top, err = intArg(args, "top", 100); err != nil {
		return nil, err
	}
	if q.Skip, err = intArg(args, "skip", 0); err != nil {
		return nil, err
	}
	return m.client.StorageBuckets(ctx, cc, folderID, q)
}

func (m *storageBucketModule) getStorageBucketByName(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	folderID, err := requiredID(args, "folder_id")
	if err != nil {
		return nil, err
	}
	name, err := requiredString(args, "bucket_name")
	if err != nil {
		return nil, err
	}

	bucket, err := m.client.BucketByName(ctx, cc, folderID, name)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		logger.Warn("Bucket '%s' not found in folder %s", name, folderID)
		return nil, nil
	}
	return bucket, nil
}

func (m *storageBucketModule) getUploadURL(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	folderID, err := requiredID(args, "folder_id")
	if err != nil {
		return nil, err
	}
	bucketID, err := requiredID(args, "bucket_id")
	if err != nil {
		return nil, err
	}
	fileName, err := requiredString(args, "file_name")
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(fileName, `/\`) {
		return nil, apperr.NewValidationError("file_name must not contain a path", nil).WithDetail("argument", "file_name")
	}

	directory := stringArg(args, "directory", "")
	if directory == "" {
		directory = uuid.NewString()
	}
	id, _ := strconv.ParseInt(bucketID, 10, 64)

	return m.client.BucketUploadURL(ctx, cc, folderID, id, directory, fileName, stringArg(args, "content_type", ""))
}
