package attachment

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// UploadError indicates the object store rejected or failed an upload.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("attachment: upload: %v", e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Uploader stores attachment ciphertext externally and returns its URL.
// Implementations are collaborators; HTTPUploader below covers S3-compatible
// stores that accept unauthenticated or presigned PUTs.
type Uploader interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

// HTTPUploader PUTs each payload under a fresh UUID key below
// endpoint/bucket and returns the resulting URL.
type HTTPUploader struct {
	Endpoint string
	Bucket   string
	Client   *http.Client
}

// Upload stores data and returns its public URL.
func (u *HTTPUploader) Upload(ctx context.Context, data []byte) (string, error) {
	key, err := uuid.NewRandom()
	if err != nil {
		return "", &UploadError{Err: err}
	}
	url := fmt.Sprintf("%s/%s/%s", u.Endpoint, u.Bucket, key.String())

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", &UploadError{Err: err}
	}
	request.Header.Set("Content-Type", "application/octet-stream")

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", &UploadError{Err: fmt.Errorf("unexpected status %d", response.StatusCode)}
	}
	return url, nil
}
