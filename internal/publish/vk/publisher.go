package vk

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

type Config struct {
	Token      string
	GroupID    int64
	RatePerSec int
}

// maxVideoBytes is the upload ceiling enforced before streaming.
const maxVideoBytes = 256 << 20

// Publisher posts photos and video to the community wall. Photos go
// through the wall upload server; video through video.save. Either way
// the final step is one wall.post with the collected attachments.
type Publisher struct {
	cfg Config
	api *client
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "publish.vk"))
	return &Publisher{
		cfg: cfg,
		api: newClient(cfg.Token, cfg.RatePerSec, log),
		log: log,
	}
}

func (p *Publisher) Name() publish.Platform { return publish.PlatformVK }

// TestConnection verifies the token can see the target community.
func (p *Publisher) TestConnection(ctx context.Context) error {
	var out []struct {
		ID int64 `json:"id"`
	}
	params := url.Values{"group_id": {strconv.FormatInt(p.cfg.GroupID, 10)}}
	return p.api.call(ctx, "groups.getById", params, &out)
}

func (p *Publisher) Publish(ctx context.Context, post publish.Post) (publish.Result, error) {
	res := publish.Result{Platform: p.Name()}
	if len(post.Paths) == 0 {
		return res, publish.Errorf(publish.KindUnsupportedMedia, "vk", "post has no media")
	}

	var (
		attachments []string
		err         error
	)
	switch post.Kind {
	case publish.MediaPhoto, publish.MediaAlbum:
		attachments, err = p.uploadPhotos(ctx, post.Paths)
	case publish.MediaVideo:
		if err := publish.CheckVideoSize(post.Paths[0], maxVideoBytes); err != nil {
			return res, err
		}
		var att string
		att, err = p.uploadVideo(ctx, post.Paths[0], post.Caption)
		attachments = []string{att}
	default:
		return res, publish.Errorf(publish.KindUnsupportedMedia, "vk", "media kind %q", post.Kind)
	}
	if err != nil {
		return res, err
	}

	postID, err := p.wallPost(ctx, post.Caption, attachments)
	if err != nil {
		return res, err
	}

	res.OK = true
	res.PostRef = fmt.Sprintf("wall-%d_%d", p.cfg.GroupID, postID)
	return res, nil
}

// uploadPhotos runs every photo through the wall upload flow and returns
// the attachment strings in input order.
func (p *Publisher) uploadPhotos(ctx context.Context, paths []string) ([]string, error) {
	var server struct {
		UploadURL string `json:"upload_url"`
	}
	params := url.Values{"group_id": {strconv.FormatInt(p.cfg.GroupID, 10)}}
	if err := p.api.call(ctx, "photos.getWallUploadServer", params, &server); err != nil {
		return nil, err
	}

	attachments := make([]string, 0, len(paths))
	for _, path := range paths {
		var uploaded struct {
			Server int    `json:"server"`
			Photo  string `json:"photo"`
			Hash   string `json:"hash"`
		}
		if err := p.api.uploadFile(ctx, server.UploadURL, "photo", path, &uploaded); err != nil {
			return nil, err
		}
		if uploaded.Photo == "" || uploaded.Photo == "[]" {
			return nil, publish.Errorf(publish.KindTransient, "photos.upload", "empty upload response for %s", path)
		}

		var saved []struct {
			ID      int64 `json:"id"`
			OwnerID int64 `json:"owner_id"`
		}
		saveParams := url.Values{
			"group_id": {strconv.FormatInt(p.cfg.GroupID, 10)},
			"server":   {strconv.Itoa(uploaded.Server)},
			"photo":    {uploaded.Photo},
			"hash":     {uploaded.Hash},
		}
		if err := p.api.call(ctx, "photos.saveWallPhoto", saveParams, &saved); err != nil {
			return nil, err
		}
		if len(saved) == 0 {
			return nil, publish.Errorf(publish.KindTransient, "photos.saveWallPhoto", "no photo saved for %s", path)
		}
		attachments = append(attachments, fmt.Sprintf("photo%d_%d", saved[0].OwnerID, saved[0].ID))
	}
	return attachments, nil
}

// uploadVideo reserves a video slot, uploads the file and returns the
// attachment string.
func (p *Publisher) uploadVideo(ctx context.Context, path, caption string) (string, error) {
	name := videoName(caption)
	var slot struct {
		UploadURL string `json:"upload_url"`
		VideoID   int64  `json:"video_id"`
		OwnerID   int64  `json:"owner_id"`
	}
	params := url.Values{
		"group_id": {strconv.FormatInt(p.cfg.GroupID, 10)},
		"name":     {name},
		"wallpost": {"0"},
	}
	if err := p.api.call(ctx, "video.save", params, &slot); err != nil {
		return "", err
	}

	var uploaded struct {
		VideoID int64 `json:"video_id"`
	}
	if err := p.api.uploadFile(ctx, slot.UploadURL, "video_file", path, &uploaded); err != nil {
		return "", err
	}

	videoID := slot.VideoID
	if uploaded.VideoID != 0 {
		videoID = uploaded.VideoID
	}
	return fmt.Sprintf("video%d_%d", slot.OwnerID, videoID), nil
}

func (p *Publisher) wallPost(ctx context.Context, message string, attachments []string) (int64, error) {
	var out struct {
		PostID int64 `json:"post_id"`
	}
	params := url.Values{
		"owner_id":    {strconv.FormatInt(-p.cfg.GroupID, 10)},
		"from_group":  {"1"},
		"message":     {message},
		"attachments": {strings.Join(attachments, ",")},
	}
	if err := p.api.call(ctx, "wall.post", params, &out); err != nil {
		return 0, err
	}
	return out.PostID, nil
}

// videoName derives a short title from the caption's first line.
func videoName(caption string) string {
	line := caption
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "Video"
	}
	rs := []rune(line)
	if len(rs) > 80 {
		return string(rs[:80])
	}
	return line
}
