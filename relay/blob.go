package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

const defaultBlobHttpTimeout = 60 * time.Second
const defaultBlobHttpConnectTimeout = 5 * time.Second

// UploadInfo tells a client where to put an out-of-band payload.
type UploadInfo struct {
	Url    string
	Method string
}

// BlobClient is the blob-transfer collaborator, used when a payload is
// too large to inline on the transport.
type BlobClient interface {
	// IssueUploadUrl returns a destination the client can upload one
	// payload to
	IssueUploadUrl(ctx context.Context) (*UploadInfo, error)

	// Upload stores a server-originated payload and returns the url a
	// client can download it from
	Upload(ctx context.Context, payload []byte) (string, error)

	// Download resolves a previously uploaded payload
	Download(ctx context.Context, url string) ([]byte, error)
}

// MemoryBlobClient keeps payloads in process memory. Used for tests
// and single-node deployments.
type MemoryBlobClient struct {
	stateLock sync.Mutex
	payloads  map[string][]byte
}

func NewMemoryBlobClient() *MemoryBlobClient {
	return &MemoryBlobClient{
		payloads: map[string][]byte{},
	}
}

func (self *MemoryBlobClient) IssueUploadUrl(ctx context.Context) (*UploadInfo, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	url := fmt.Sprintf("mem://%s", NewId())
	self.payloads[url] = nil
	return &UploadInfo{
		Url:    url,
		Method: "PUT",
	}, nil
}

// Put stores the payload for an issued url. In production the upload
// goes directly to the blob host and never through this process.
func (self *MemoryBlobClient) Put(url string, payload []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.payloads[url] = payload
}

func (self *MemoryBlobClient) Upload(ctx context.Context, payload []byte) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	url := fmt.Sprintf("mem://%s", NewId())
	self.payloads[url] = payload
	return url, nil
}

func (self *MemoryBlobClient) Download(ctx context.Context, url string) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	payload, ok := self.payloads[url]
	if !ok {
		return nil, fmt.Errorf("unknown blob url: %s", url)
	}
	return payload, nil
}

// HttpBlobClient fronts an external blob host. Upload urls are issued
// by the collaborator api; downloads fetch the url directly.
type HttpBlobClient struct {
	ctx context.Context

	apiUrl     string
	httpClient *http.Client
}

func NewHttpBlobClient(ctx context.Context, apiUrl string) *HttpBlobClient {
	dialer := &net.Dialer{
		Timeout: defaultBlobHttpConnectTimeout,
	}
	return &HttpBlobClient{
		ctx:    ctx,
		apiUrl: apiUrl,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: defaultBlobHttpConnectTimeout,
			},
			Timeout: defaultBlobHttpTimeout,
		},
	}
}

func (self *HttpBlobClient) IssueUploadUrl(ctx context.Context) (*UploadInfo, error) {
	var result struct {
		UploadUrl    string `json:"uploadUrl"`
		UploadMethod string `json:"uploadMethod"`
	}
	if err := postJson(ctx, self.httpClient, fmt.Sprintf("%s/blob/upload-url", self.apiUrl), map[string]any{}, &result); err != nil {
		return nil, err
	}
	return &UploadInfo{
		Url:    result.UploadUrl,
		Method: result.UploadMethod,
	}, nil
}

func (self *HttpBlobClient) Upload(ctx context.Context, payload []byte) (string, error) {
	uploadInfo, err := self.IssueUploadUrl(ctx)
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, uploadInfo.Method, uploadInfo.Url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	response, err := self.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if http.StatusOK != response.StatusCode && http.StatusCreated != response.StatusCode {
		return "", fmt.Errorf("blob upload status %d", response.StatusCode)
	}
	return uploadInfo.Url, nil
}

func (self *HttpBlobClient) Download(ctx context.Context, url string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	response, err := self.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if http.StatusOK != response.StatusCode {
		return nil, fmt.Errorf("blob download status %d", response.StatusCode)
	}
	return io.ReadAll(response.Body)
}
