package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"coinchat/backend/internal/apperr"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxUploadBytes             = 5 * 1024 * 1024
	maxMultipartRequestBytes   = maxUploadBytes + (1 * 1024 * 1024)
	defaultObjectStoragePrefix = "chat-uploads"
)

var filenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type fileObjectStore interface {
	Backend() string
	PutObject(ctx context.Context, objectPath, contentType string, data []byte) error
	DeleteObject(ctx context.Context, objectPath string) error
	PublicURL(objectPath string) string
}

type fileResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	SizeBytes int64  `json:"sizeBytes"`
	CreatedAt string `json:"createdAt"`
}

// UploadFile stores one JPEG or PNG image and returns the url a file part
// can reference.
func (h Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	if identity.Synthetic {
		h.writeAppError(w, r, apperr.StorageUnavailable(errors.New("uploads need a persisted account")))
		return
	}
	if h.files == nil {
		writeError(w, http.StatusServiceUnavailable, "attachments_unconfigured", "Загрузка файлов не настроена.")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartRequestBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "Размер файла не должен превышать 5 МБ.")
			return
		}
		h.writeAppError(w, r, apperr.InvalidInput("Ожидается multipart/form-data."))
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeAppError(w, r, apperr.InvalidInput("Поле file обязательно."))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		h.writeAppError(w, r, apperr.InvalidInput("Не удалось прочитать файл."))
		return
	}
	if int64(len(data)) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "Размер файла не должен превышать 5 МБ.")
		return
	}
	if len(data) == 0 {
		h.writeAppError(w, r, apperr.InvalidInput("Пустые файлы не принимаются."))
		return
	}

	mediaType := detectImageType(data)
	if _, ok := allowedImageTypes[mediaType]; !ok {
		h.writeAppError(w, r, apperr.InvalidInput("Поддерживаются только изображения JPEG и PNG."))
		return
	}

	filename := sanitizeFilename(header.Filename)
	fileID := uuid.NewString()
	objectPath := h.buildObjectPath(identity.AccountID, fileID, filename)

	if err := h.files.PutObject(r.Context(), objectPath, mediaType, data); err != nil {
		h.logger.Warn("store upload failed", zap.String("account_id", identity.AccountID), zap.String("file_id", fileID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "storage_error", "Не удалось сохранить файл.")
		return
	}

	response := fileResponse{URL: h.files.PublicURL(objectPath)}
	err = h.db.QueryRowContext(r.Context(), `
INSERT INTO files (id, account_id, filename, media_type, size_bytes, storage_backend, storage_path, url)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id, filename, media_type, size_bytes, created_at;
`, fileID, identity.AccountID, filename, mediaType, len(data), h.files.Backend(), objectPath, response.URL).Scan(
		&response.ID,
		&response.Name,
		&response.MediaType,
		&response.SizeBytes,
		&response.CreatedAt,
	)
	if err != nil {
		_ = h.files.DeleteObject(r.Context(), objectPath)
		h.writeAppError(w, r, apperr.StorageUnavailable(fmt.Errorf("persist upload metadata: %w", err)))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"file": response})
}

// detectImageType sniffs the content instead of trusting the client's
// Content-Type header.
func detectImageType(data []byte) string {
	sniffLen := len(data)
	if sniffLen > 512 {
		sniffLen = 512
	}
	return http.DetectContentType(data[:sniffLen])
}

func (h Handler) buildObjectPath(accountID, fileID, filename string) string {
	prefix := strings.Trim(strings.TrimSpace(h.cfg.GCSUploadPrefix), "/")
	if prefix == "" {
		prefix = defaultObjectStoragePrefix
	}
	return path.Join(prefix, "accounts", accountID, fileID, filename)
}

func sanitizeFilename(raw string) string {
	base := strings.TrimSpace(filepath.Base(raw))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "image"
	}

	extension := filepath.Ext(base)
	namePart := strings.TrimSuffix(base, extension)
	namePart = filenameSanitizer.ReplaceAllString(namePart, "_")
	namePart = strings.Trim(namePart, "._")
	if namePart == "" {
		namePart = "image"
	}

	extension = strings.ToLower(extension)
	extension = filenameSanitizer.ReplaceAllString(extension, "")
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}

	return trimToRunes(namePart+extension, 180)
}

func trimToRunes(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}
