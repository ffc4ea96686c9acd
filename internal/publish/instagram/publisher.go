// Package instagram publishes photos, carousels and videos to an
// Instagram account through the web API, with a persisted session so
// the account is not re-authenticated on every restart.
package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"net/url"
	"os"
	"strconv"
	"time"

	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

const (
	maxCarouselItems = 10

	// maxVideoBytes is the upload ceiling enforced before streaming.
	maxVideoBytes = 100 << 20
)

type Config struct {
	Username    string
	Password    string
	SessionID   string
	SessionFile string
}

type Publisher struct {
	api *client
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "publish.instagram"))
	return &Publisher{
		api: newClient(cfg, log),
		log: log,
	}
}

func (p *Publisher) Name() publish.Platform { return publish.PlatformInstagram }

// TestConnection establishes a session so credential problems surface
// at startup instead of on the first post.
func (p *Publisher) TestConnection(ctx context.Context) error {
	return p.api.ensureLogin(ctx)
}

// ResetSession deletes the persisted session and logs in fresh.
func (p *Publisher) ResetSession(ctx context.Context) error {
	p.api.dropSession()
	return p.api.ensureLogin(ctx)
}

func (p *Publisher) Publish(ctx context.Context, post publish.Post) (publish.Result, error) {
	res := publish.Result{Platform: p.Name()}
	if len(post.Paths) == 0 {
		return res, publish.Errorf(publish.KindUnsupportedMedia, "instagram", "post has no media")
	}

	if err := p.api.ensureLogin(ctx); err != nil {
		return res, err
	}

	code, err := p.publishOnce(ctx, post)
	if publish.IsKind(err, publish.KindAuth) {
		// The session can expire between validation and upload. Drop
		// it, log in fresh and retry exactly once.
		p.log.Warn("session rejected mid-publish, re-login and retry", logx.Err(err))
		p.api.dropSession()
		if lerr := p.api.ensureLogin(ctx); lerr != nil {
			return res, lerr
		}
		code, err = p.publishOnce(ctx, post)
	}
	if err != nil {
		return res, err
	}

	res.OK = true
	res.PostRef = fmt.Sprintf("%s/p/%s/", webBase, code)
	return res, nil
}

// publishOnce runs a single upload+configure pass and returns the
// media shortcode.
func (p *Publisher) publishOnce(ctx context.Context, post publish.Post) (string, error) {
	switch post.Kind {
	case publish.MediaPhoto:
		return p.publishPhoto(ctx, post.Paths[0], post.Caption)
	case publish.MediaAlbum:
		return p.publishAlbum(ctx, post.Paths, post.Caption)
	case publish.MediaVideo:
		if err := publish.CheckVideoSize(post.Paths[0], maxVideoBytes); err != nil {
			return "", err
		}
		return p.publishVideo(ctx, post.Paths[0], post.Caption)
	default:
		return "", publish.Errorf(publish.KindUnsupportedMedia, "instagram", "media kind %q", post.Kind)
	}
}

func (p *Publisher) publishPhoto(ctx context.Context, path, caption string) (string, error) {
	uploadID, err := p.uploadPhoto(ctx, path)
	if err != nil {
		return "", err
	}
	return p.configure(ctx, "/api/v1/media/configure/", url.Values{
		"upload_id":   {uploadID},
		"caption":     {caption},
		"source_type": {"library"},
	})
}

func (p *Publisher) publishAlbum(ctx context.Context, paths []string, caption string) (string, error) {
	if len(paths) > maxCarouselItems {
		paths = paths[:maxCarouselItems]
	}
	children := make([]map[string]string, 0, len(paths))
	for _, path := range paths {
		uploadID, err := p.uploadPhoto(ctx, path)
		if err != nil {
			return "", err
		}
		children = append(children, map[string]string{
			"upload_id":   uploadID,
			"source_type": "library",
		})
	}
	meta, err := json.Marshal(children)
	if err != nil {
		return "", publish.E(publish.KindTransient, "configure_sidecar", err)
	}
	return p.configure(ctx, "/api/v1/media/configure_sidecar/", url.Values{
		"caption":           {caption},
		"children_metadata": {string(meta)},
		"source_type":       {"library"},
	})
}

func (p *Publisher) publishVideo(ctx context.Context, path, caption string) (string, error) {
	uploadID, err := p.uploadVideo(ctx, path)
	if err != nil {
		return "", err
	}
	return p.configure(ctx, "/api/v1/media/configure/?video=1", url.Values{
		"upload_id":   {uploadID},
		"caption":     {caption},
		"source_type": {"library"},
	})
}

// uploadPhoto streams the file to the resumable upload endpoint and
// returns the upload id the configure call needs.
func (p *Publisher) uploadPhoto(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", publish.E(publish.KindTransient, "upload_photo", err)
	}
	width, height := imageDims(data)

	uploadID := newUploadID()
	params := map[string]string{
		"media_type":          "1",
		"upload_id":           uploadID,
		"upload_media_width":  strconv.Itoa(width),
		"upload_media_height": strconv.Itoa(height),
	}
	if err := p.rupload(ctx, "/rupload_igphoto/", uploadID, params, data); err != nil {
		return "", err
	}
	return uploadID, nil
}

func (p *Publisher) uploadVideo(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", publish.E(publish.KindTransient, "upload_video", err)
	}
	uploadID := newUploadID()
	params := map[string]string{
		"media_type": "2",
		"upload_id":  uploadID,
	}
	if err := p.rupload(ctx, "/rupload_igvideo/", uploadID, params, data); err != nil {
		return "", err
	}
	return uploadID, nil
}

func (p *Publisher) rupload(ctx context.Context, prefix, uploadID string, params map[string]string, data []byte) error {
	rp, err := json.Marshal(params)
	if err != nil {
		return publish.E(publish.KindTransient, "rupload", err)
	}
	entity := fmt.Sprintf("%s_0_%d", uploadID, len(data))
	headers := map[string]string{
		"X-Instagram-Rupload-Params": string(rp),
		"X-Entity-Name":              entity,
		"X-Entity-Length":            strconv.Itoa(len(data)),
		"Offset":                     "0",
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := p.api.postRaw(ctx, prefix+entity, headers, data, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return publish.Errorf(publish.KindTransient, "rupload", "upload status %q", out.Status)
	}
	return nil
}

func (p *Publisher) configure(ctx context.Context, path string, form url.Values) (string, error) {
	var out struct {
		Status string `json:"status"`
		Media  struct {
			Code string `json:"code"`
		} `json:"media"`
	}
	if err := p.api.postForm(ctx, path, form, &out); err != nil {
		return "", err
	}
	if out.Status != "ok" || out.Media.Code == "" {
		return "", publish.Errorf(publish.KindTransient, "configure", "configure status %q", out.Status)
	}
	return out.Media.Code, nil
}

func newUploadID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func imageDims(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
