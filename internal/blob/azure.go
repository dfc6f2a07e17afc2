package blob

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"
)

// AzureStore implements Store against Azure Blob Storage. The namespace
// maps to a blob container. Identity is ambient: the default credential
// chain (env, managed identity, CLI login) is used.
type AzureStore struct {
	client *azblob.Client
	logger *zap.Logger
}

// NewAzureStore creates a store for the given storage account.
func NewAzureStore(accountName string, logger *zap.Logger) (*AzureStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure blob client: %w", err)
	}

	return &AzureStore{client: client, logger: logger}, nil
}

// NewAzureStoreWithCredential is the injection point for tests and
// alternative credential chains.
func NewAzureStoreWithCredential(accountName string, cred azcore.TokenCredential, logger *zap.Logger) (*AzureStore, error) {
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure blob client: %w", err)
	}
	return &AzureStore{client: client, logger: logger}, nil
}

func (s *AzureStore) Put(ctx context.Context, namespace, name string, data io.Reader) error {
	_, err := s.client.UploadStream(ctx, namespace, name, data, nil)
	if err != nil {
		return &StoreError{Op: "put", Namespace: namespace, Name: name, Err: err}
	}
	s.logger.Debug("uploaded blob",
		zap.String("container", namespace),
		zap.String("blob", name))
	return nil
}

func (s *AzureStore) Get(ctx context.Context, namespace, name string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, namespace, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", namespace, name, ErrNotFound)
		}
		return nil, &StoreError{Op: "get", Namespace: namespace, Name: name, Err: err}
	}
	return resp.Body, nil
}

func (s *AzureStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	var names []string
	pager := s.client.NewListBlobsFlatPager(namespace, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, &StoreError{Op: "list", Namespace: namespace, Name: prefix, Err: err}
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *AzureStore) Exists(ctx context.Context, namespace, name string) (bool, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(namespace).NewBlobClient(name)
	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, &StoreError{Op: "exists", Namespace: namespace, Name: name, Err: err}
	}
	return true, nil
}
