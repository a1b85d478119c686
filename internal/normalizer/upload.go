package normalizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// maxMediaBytes bounds how much media is read from a remote URL.
const maxMediaBytes = 20 * 1024 * 1024

var extByMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
}

// upload resolves the media source (data URL or remote http(s) URL) and posts
// it as multipart form data to the upstream file store.
func (n *Normalizer) upload(ctx context.Context, source, token string) (UploadedFile, error) {
	data, mimeType, filename, err := n.fetchMedia(ctx, source)
	if err != nil {
		return UploadedFile{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return UploadedFile{}, err
	}
	if _, err = fw.Write(data); err != nil {
		return UploadedFile{}, err
	}
	_ = mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.uploadURL, &buf)
	if err != nil {
		return UploadedFile{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return UploadedFile{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return UploadedFile{}, fmt.Errorf("file upload status %d: %s", resp.StatusCode, string(b))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return UploadedFile{}, err
	}

	file := UploadedFile{
		ID:       gjson.GetBytes(body, "id").String(),
		Filename: gjson.GetBytes(body, "filename").String(),
		Size:     gjson.GetBytes(body, "meta.size").Int(),
		MimeType: mimeType,
		URL:      gjson.GetBytes(body, "url").String(),
	}
	if file.ID == "" {
		return UploadedFile{}, fmt.Errorf("file upload response missing id: %s", string(body))
	}
	if file.Filename == "" {
		file.Filename = filename
	}
	if file.Size == 0 {
		file.Size = int64(len(data))
	}
	return file, nil
}

// fetchMedia turns a data URL or remote URL into raw bytes plus a mime type
// and synthetic filename.
func (n *Normalizer) fetchMedia(ctx context.Context, source string) ([]byte, string, string, error) {
	if strings.HasPrefix(source, "data:") {
		return decodeDataURL(source)
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return n.fetchRemote(ctx, source)
	}
	return nil, "", "", fmt.Errorf("unsupported media source %q", truncate(source, 48))
}

func decodeDataURL(source string) ([]byte, string, string, error) {
	rest := strings.TrimPrefix(source, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, "", "", fmt.Errorf("malformed data URL")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	mimeType := meta
	base64Encoded := false
	if idx := strings.IndexByte(meta, ';'); idx >= 0 {
		mimeType = meta[:idx]
		base64Encoded = strings.Contains(meta[idx:], "base64")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var data []byte
	var err error
	if base64Encoded {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", "", fmt.Errorf("invalid base64 data URL: %w", err)
		}
	} else {
		data = []byte(payload)
	}
	return data, mimeType, syntheticFilename(mimeType), nil
}

func (n *Normalizer) fetchRemote(ctx context.Context, source string) ([]byte, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", "", err
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, "", "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", "", fmt.Errorf("error downloading media: %d %s", resp.StatusCode, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, "", "", err
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	filename := path.Base(req.URL.Path)
	if filename == "." || filename == "/" || filename == "" {
		filename = syntheticFilename(mimeType)
	}
	return data, mimeType, filename, nil
}

func syntheticFilename(mimeType string) string {
	ext, ok := extByMIME[strings.ToLower(mimeType)]
	if !ok {
		ext = ".bin"
	}
	return "upload-" + uuid.NewString()[:8] + ext
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
