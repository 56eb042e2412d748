package manifest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/drover/internal/compress"
	droverErrors "github.com/harunnryd/drover/internal/errors"
	"github.com/harunnryd/drover/internal/retry"
)

// Client implements Store over the HTTP blob contract. Transport failures
// are retried through the shared policy; precondition failures (404, 409,
// 410, 412) surface on the first attempt.
type Client struct {
	baseURL           string
	httpClient        *http.Client
	policy            retry.Policy
	compressThreshold int
	compressMinSaving float64
}

func NewClient(baseURL string, policy retry.Policy, compressThreshold int, compressMinSaving float64) *Client {
	return &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		httpClient:        &http.Client{Timeout: 60 * time.Second},
		policy:            policy,
		compressThreshold: compressThreshold,
		compressMinSaving: compressMinSaving,
	}
}

func (c *Client) Read(ctx context.Context, namespace, path string) (*Blob, error) {
	var blob *Blob
	err := c.policy.Do(ctx, "manifest.read", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.blobURL(namespace, path), nil)
		if err != nil {
			return droverErrors.Internal(err.Error())
		}
		req.Header.Set("Accept-Encoding", compress.EncodingGzip)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return droverErrors.Transient(fmt.Sprintf("read %s/%s: %v", namespace, path, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return responseError(resp, fmt.Sprintf("read %s/%s", namespace, path))
		}

		content, err := io.ReadAll(resp.Body)
		if err != nil {
			return droverErrors.Transient(fmt.Sprintf("read body %s/%s: %v", namespace, path, err))
		}

		if resp.Header.Get("Content-Encoding") == compress.EncodingGzip {
			content, err = compress.Gunzip(content)
			if err != nil {
				return droverErrors.Transient(fmt.Sprintf("decode %s/%s: %v", namespace, path, err))
			}
		}

		version, err := strconv.ParseInt(resp.Header.Get(HeaderVersion), 10, 64)
		if err != nil {
			return droverErrors.Internal(fmt.Sprintf("missing version header on %s/%s", namespace, path))
		}

		declared := resp.Header.Get(HeaderOriginalMD5)
		sum := md5.Sum(content)
		if actual := hex.EncodeToString(sum[:]); declared != "" && declared != actual {
			return droverErrors.Transient(fmt.Sprintf("md5 mismatch on %s/%s: declared %s, got %s", namespace, path, declared, actual))
		}

		blob = &Blob{
			Content: content,
			MD5:     hex.EncodeToString(sum[:]),
			Version: version,
			Size:    int64(len(content)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (c *Client) Write(ctx context.Context, namespace, path string, content []byte, expectedVersion int64) (int64, error) {
	sum := md5.Sum(content)
	contentMD5 := hex.EncodeToString(sum[:])

	body, compressed := compress.Maybe(content, c.compressThreshold, c.compressMinSaving)

	var newVersion int64
	err := c.policy.Do(ctx, "manifest.write", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.blobURL(namespace, path), bytes.NewReader(body))
		if err != nil {
			return droverErrors.Internal(err.Error())
		}
		req.Header.Set(HeaderExpectedVersion, strconv.FormatInt(expectedVersion, 10))
		req.Header.Set(HeaderOriginalMD5, contentMD5)
		req.Header.Set("Content-Type", "application/octet-stream")
		if compressed {
			req.Header.Set("Content-Encoding", compress.EncodingGzip)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return droverErrors.Transient(fmt.Sprintf("write %s/%s: %v", namespace, path, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return writeResponseError(resp, path, expectedVersion)
		}

		newVersion, err = strconv.ParseInt(resp.Header.Get(HeaderVersion), 10, 64)
		if err != nil {
			return droverErrors.Internal(fmt.Sprintf("missing version header on write %s/%s", namespace, path))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (c *Client) Delete(ctx context.Context, namespace, path string, expectedVersion int64) error {
	return c.policy.Do(ctx, "manifest.delete", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.blobURL(namespace, path), nil)
		if err != nil {
			return droverErrors.Internal(err.Error())
		}
		req.Header.Set(HeaderExpectedVersion, strconv.FormatInt(expectedVersion, 10))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return droverErrors.Transient(fmt.Sprintf("delete %s/%s: %v", namespace, path, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return writeResponseError(resp, path, expectedVersion)
		}
		return nil
	})
}

func (c *Client) Changes(ctx context.Context, namespace string, since int64) (*Manifest, error) {
	var m *Manifest
	err := c.policy.Do(ctx, "manifest.changes", func() error {
		endpoint := fmt.Sprintf("%s/api/v1/%s/manifest?since=%d", c.baseURL, url.PathEscape(namespace), since)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return droverErrors.Internal(err.Error())
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return droverErrors.Transient(fmt.Sprintf("manifest %s: %v", namespace, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return responseError(resp, fmt.Sprintf("manifest %s", namespace))
		}

		var decoded Manifest
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return droverErrors.Transient(fmt.Sprintf("decode manifest %s: %v", namespace, err))
		}
		m = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) blobURL(namespace, path string) string {
	return fmt.Sprintf("%s/api/v1/%s/blob?path=%s", c.baseURL, url.PathEscape(namespace), url.QueryEscape(path))
}

func responseError(resp *http.Response, detail string) error {
	return droverErrors.FromStatus(resp.StatusCode, detail+": "+errorBody(resp))
}

// writeResponseError reconstructs a typed conflict from a 412 so callers
// get the store's current version, not just a category.
func writeResponseError(resp *http.Response, path string, expected int64) error {
	body := errorBody(resp)
	if resp.StatusCode == http.StatusPreconditionFailed {
		current := int64(-1)
		// "store has vN" comes from VersionConflictError.Error on the server.
		if idx := strings.LastIndex(body, "store has v"); idx >= 0 {
			if parsed, err := strconv.ParseInt(strings.TrimRight(body[idx+len("store has v"):], "\"} \n"), 10, 64); err == nil {
				current = parsed
			}
		}
		return &droverErrors.VersionConflictError{Path: path, Expected: expected, Current: current}
	}
	return droverErrors.FromStatus(resp.StatusCode, fmt.Sprintf("write %s: %s", path, body))
}

func errorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
