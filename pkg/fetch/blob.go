package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"

	"github.com/wehubfusion/Adorn/pkg/registry"
)

// BlobScheme is the location scheme served by BlobFetcher.
const BlobScheme = "azblob"

// BlobFetcher loads widget bundles mirrored to Azure Blob Storage.
// Locations look like azblob://container/path/to/widget.js.
type BlobFetcher struct {
	client     *azblob.Client
	serviceURL string
	container  string
	logger     *zap.Logger

	mu          sync.Mutex
	initialized map[string]bool
}

// NewBlobFetcher creates a fetcher from a storage connection string.
// container is used for locations that name none.
func NewBlobFetcher(connectionString, container string, logger *zap.Logger) (*BlobFetcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if container == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		// Azurite
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobFetcher{
		client:      client,
		serviceURL:  strings.TrimRight(serviceURL, "/"),
		container:   container,
		logger:      logger,
		initialized: make(map[string]bool),
	}, nil
}

// Fetch implements registry.Fetcher.
func (b *BlobFetcher) Fetch(ctx context.Context, desc registry.Descriptor) ([]byte, error) {
	container, path, err := b.resolve(desc.Source())
	if err != nil {
		return nil, err
	}

	resp, err := b.client.DownloadStream(ctx, container, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("script exceeds %d bytes", maxBodyBytes)
	}

	b.logger.Debug("Fetched script from blob storage",
		zap.String("container", container),
		zap.String("blob_path", path),
		zap.Int("bytes", len(data)))
	return data, nil
}

// Mirror uploads a widget script and returns its azblob:// location.
func (b *BlobFetcher) Mirror(ctx context.Context, path string, script []byte, metadata map[string]string) (string, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("blob path is required")
	}
	if err := b.ensureContainer(ctx, b.container); err != nil {
		return "", err
	}

	meta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		meta[k] = to.Ptr(v)
	}

	_, err := b.client.UploadBuffer(ctx, b.container, path, script, &azblob.UploadBufferOptions{
		Metadata: meta,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/javascript"),
		},
	})
	if err != nil {
		b.logger.Error("Failed to mirror script",
			zap.String("blob_path", path),
			zap.Int("size", len(script)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	b.logger.Info("Mirrored widget script",
		zap.String("blob_path", path),
		zap.Int("size_bytes", len(script)))
	return BlobLocation(b.container, path), nil
}

func (b *BlobFetcher) ensureContainer(ctx context.Context, container string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized[container] {
		return nil
	}

	_, err := b.client.CreateContainer(ctx, container, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !errors.As(err, &respErr) || respErr.ErrorCode != "ContainerAlreadyExists" {
			return fmt.Errorf("failed to ensure container: %w", err)
		}
	}
	b.initialized[container] = true
	return nil
}

// resolve splits a location into container and blob path. It accepts
// azblob:// locations, full service URLs and bare paths.
func (b *BlobFetcher) resolve(location string) (container, path string, err error) {
	ref := strings.TrimSpace(location)
	if ref == "" {
		return "", "", fmt.Errorf("blob reference is required")
	}

	if Scheme(ref) == BlobScheme {
		rest := ref[len(BlobScheme)+3:]
		if idx := strings.Index(rest, "/"); idx > 0 {
			container, path = rest[:idx], rest[idx+1:]
		} else {
			return "", "", fmt.Errorf("blob location %q has no path", location)
		}
	} else {
		if strings.HasPrefix(strings.ToLower(ref), strings.ToLower(b.serviceURL)) {
			ref = ref[len(b.serviceURL):]
		}
		if idx := strings.Index(ref, "?"); idx != -1 {
			ref = ref[:idx]
		}
		if u, perr := url.Parse(ref); perr == nil && u.Host != "" {
			ref = u.Path
		}
		ref = strings.TrimPrefix(ref, "/")
		container = b.container
		path = strings.TrimPrefix(ref, b.container+"/")
	}

	if decoded, derr := url.PathUnescape(path); derr == nil {
		path = decoded
	}
	if path == "" {
		return "", "", fmt.Errorf("blob path is empty")
	}
	return container, path, nil
}

// BlobLocation builds an azblob:// location.
func BlobLocation(container, path string) string {
	return fmt.Sprintf("%s://%s/%s", BlobScheme, container, strings.TrimPrefix(path, "/"))
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}
