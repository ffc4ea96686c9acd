// Package vk publishes posts to a VK community wall.
package vk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

const (
	apiBase    = "https://api.vk.com/method/"
	apiVersion = "5.131"

	// Upload endpoints get their own retry loop: 5 tries, factor-2 backoff,
	// on the usual throttling/5xx statuses.
	uploadTries       = 5
	uploadBackoffBase = time.Second
)

var uploadRetryStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// client wraps the VK HTTP API with token auth and request pacing.
type client struct {
	http    *http.Client
	token   string
	limiter *rate.Limiter
	log     logx.Logger

	// base is swappable for tests.
	base string
}

func newClient(token string, ratePerSec int, log logx.Logger) *client {
	if ratePerSec <= 0 {
		ratePerSec = 3
	}
	return &client{
		http:    &http.Client{Timeout: 60 * time.Second},
		token:   token,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		log:     log,
		base:    apiBase,
	}
}

type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

// call invokes one API method and decodes its "response" payload into out.
func (c *client) call(ctx context.Context, method string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return publish.E(publish.KindCancelled, method, err)
	}

	form := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			form.Add(k, v)
		}
	}
	form.Set("access_token", c.token)
	form.Set("v", apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+method, strings.NewReader(form.Encode()))
	if err != nil {
		return publish.E(publish.KindTransient, method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return publish.E(publish.KindCancelled, method, err)
		}
		return publish.E(publish.KindTransient, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := publish.KindTransient
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = publish.KindAuth
		}
		return publish.Errorf(kind, method, "http %d", resp.StatusCode)
	}

	var envelope struct {
		Error    *apiError       `json:"error"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return publish.E(publish.KindTransient, method, err)
	}
	if envelope.Error != nil {
		return classifyAPIError(method, envelope.Error)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Response, out); err != nil {
			return publish.Errorf(publish.KindTransient, method, "decode response: %v", err)
		}
	}
	return nil
}

// classifyAPIError maps VK error codes onto the shared taxonomy.
//
// 5 is an invalid/expired token; 7, 15, 200, 214 are access denials;
// 6, 9, 10 are throttling or internal faults.
func classifyAPIError(method string, e *apiError) error {
	switch e.Code {
	case 5:
		return publish.E(publish.KindAuth, method, e)
	case 7, 15, 200, 214:
		return publish.E(publish.KindPermission, method, e)
	case 6, 9, 10:
		return publish.E(publish.KindTransient, method, e)
	default:
		return publish.E(publish.KindTransient, method, e)
	}
}

// uploadFile POSTs one file to a VK-issued upload URL as a multipart form,
// retrying throttled/5xx responses. The decoded JSON body is returned.
func (c *client) uploadFile(ctx context.Context, uploadURL, field, path string, out any) error {
	backoff := uploadBackoffBase
	var lastErr error
	for attempt := 1; attempt <= uploadTries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return publish.E(publish.KindCancelled, "upload", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		retryable, err := c.uploadOnce(ctx, uploadURL, field, path, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return publish.E(publish.KindCancelled, "upload", ctx.Err())
		}
		if !retryable {
			return err
		}
		if !c.log.IsZero() {
			c.log.Warn("vk upload retrying",
				logx.Int("attempt", attempt), logx.Err(err))
		}
	}
	return lastErr
}

func (c *client) uploadOnce(ctx context.Context, uploadURL, field, path string, out any) (retryable bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, publish.E(publish.KindDownload, "upload", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(field, filepath.Base(path))
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, pr)
	if err != nil {
		return false, publish.E(publish.KindTransient, "upload", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return true, publish.E(publish.KindTransient, "upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return uploadRetryStatus[resp.StatusCode],
			publish.Errorf(publish.KindTransient, "upload", "http %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, publish.Errorf(publish.KindTransient, "upload", "decode: %v", err)
		}
	}
	return false, nil
}
