package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/cataclysm/internal/media"
	"github.com/hitoshi/cataclysm/internal/model"
)

// multipartOverhead はmultipartの境界・ヘッダー分としてボディ上限に加算するサイズ。
const multipartOverhead = 1 << 20

// MediaServiceInterface はメディアハンドラーが必要とするサービスインターフェース。
type MediaServiceInterface interface {
	Enabled() bool
	MaxSize() int64
	Upload(ctx context.Context, r io.Reader, prefix string) (string, error)
	Import(ctx context.Context, rawURL string, prefix string) (string, error)
}

// MediaHandler はエディタからの画像アップロード・取り込みのHTTPハンドラー。
type MediaHandler struct {
	service MediaServiceInterface
}

// NewMediaHandler はMediaHandlerを生成する。
func NewMediaHandler(service MediaServiceInterface) *MediaHandler {
	return &MediaHandler{service: service}
}

// importRequest は画像取り込みリクエストのボディ。
type importRequest struct {
	URL string `json:"url"`
}

// mediaResponse は保存した画像の公開URL。
type mediaResponse struct {
	URL string `json:"url"`
}

// Upload はmultipartの "file" フィールドの画像を保存する。
// POST /admin/api/media
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.service.Enabled() {
		handleServiceError(w, model.NewMediaDisabledError())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.service.MaxSize()+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		handleServiceError(w, model.NewInvalidRequestError())
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			handleServiceError(w, model.NewValidationError("the file field is required"))
			return
		}
		if err != nil {
			if !h.handleTooLarge(w, err) {
				handleServiceError(w, model.NewInvalidRequestError())
			}
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		url, err := h.service.Upload(r.Context(), part, media.EditorPrefix)
		part.Close()
		if err != nil {
			if !h.handleTooLarge(w, err) {
				handleServiceError(w, err)
			}
			return
		}
		writeJSON(w, http.StatusCreated, mediaResponse{URL: url})
		return
	}
}

// Import は外部URLの画像を取り込んで保存する。
// POST /admin/api/media/import
func (h *MediaHandler) Import(w http.ResponseWriter, r *http.Request) {
	if !h.service.Enabled() {
		handleServiceError(w, model.NewMediaDisabledError())
		return
	}

	var req importRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.URL == "" {
		handleServiceError(w, model.NewInvalidURLError("url is required"))
		return
	}

	url, err := h.service.Import(r.Context(), req.URL, media.EditorPrefix)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mediaResponse{URL: url})
}

// handleTooLarge はボディ上限超過の場合にMEDIA_TOO_LARGEを書き込み、trueを返す。
func (h *MediaHandler) handleTooLarge(w http.ResponseWriter, err error) bool {
	var maxErr *http.MaxBytesError
	if !errors.As(err, &maxErr) {
		return false
	}
	handleServiceError(w, model.NewMediaTooLargeError(h.service.MaxSize()))
	return true
}
