package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// HTTPArchive uploads each batch with a PUT to <base URL>/<name>.
type HTTPArchive struct {
	id      string
	baseURL string
	client  *http.Client
	header  http.Header
}

// NewHTTPArchive creates a destination named id. client may be nil.
func NewHTTPArchive(id, baseURL string, client *http.Client) (*HTTPArchive, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("http archive %s: invalid url %q", id, baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPArchive{
		id:      id,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		header:  http.Header{},
	}, nil
}

// SetHeader adds a header sent with every upload, e.g. Authorization.
func (h *HTTPArchive) SetHeader(key, value string) {
	h.header.Set(key, value)
}

func (h *HTTPArchive) ID() string { return h.id }

// Add uploads data. Any status outside 2xx is an error.
func (h *HTTPArchive) Add(ctx context.Context, name string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.baseURL+"/"+url.PathEscape(name), bytes.NewReader(data))
	if err != nil {
		return err
	}
	for k, vs := range h.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// objectPutter is the part of jetstream.ObjectStore uploads use.
type objectPutter interface {
	PutBytes(ctx context.Context, name string, data []byte) (*jetstream.ObjectInfo, error)
}

// ObjectStoreArchive uploads batches into a NATS JetStream object store
// bucket. The bucket is bound on first use.
type ObjectStoreArchive struct {
	id         string
	js         jetstream.JetStream
	bucketName string

	mu     sync.Mutex
	bucket objectPutter
}

// NewObjectStoreArchive creates a destination named id writing to bucket.
func NewObjectStoreArchive(id string, js jetstream.JetStream, bucket string) (*ObjectStoreArchive, error) {
	if js == nil {
		return nil, fmt.Errorf("object store archive %s: no JetStream connection", id)
	}
	if bucket == "" {
		return nil, fmt.Errorf("object store archive %s: bucket is required", id)
	}
	return &ObjectStoreArchive{id: id, js: js, bucketName: bucket}, nil
}

func (o *ObjectStoreArchive) ID() string { return o.id }

// Bind opens the bucket, creating it when it does not exist yet.
func (o *ObjectStoreArchive) Bind(ctx context.Context) error {
	_, err := o.bound(ctx)
	return err
}

func (o *ObjectStoreArchive) bound(ctx context.Context) (objectPutter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bucket != nil {
		return o.bucket, nil
	}
	obs, err := o.js.ObjectStore(ctx, o.bucketName)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		obs, err = o.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      o.bucketName,
			Description: "funf archive uploads",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("object store archive %s: bucket %s: %w", o.id, o.bucketName, err)
	}
	o.bucket = obs
	return obs, nil
}

// Add stores data as object name.
func (o *ObjectStoreArchive) Add(ctx context.Context, name string, data []byte) error {
	bucket, err := o.bound(ctx)
	if err != nil {
		return err
	}
	if _, err := bucket.PutBytes(ctx, name, data); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}
