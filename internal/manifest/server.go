package manifest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/harunnryd/drover/internal/compress"
	droverErrors "github.com/harunnryd/drover/internal/errors"
)

// Wire headers for the blob contract. Version preconditions ride in a
// header rather than If-Match so the integer token stays unquoted.
const (
	HeaderVersion         = "X-Version"
	HeaderExpectedVersion = "X-Expected-Version"
	HeaderOriginalMD5     = "X-Original-MD5"
)

// Server exposes a Store over the HTTP blob contract. The variable-length
// blob path travels as a query parameter to avoid greedy path-segment
// ambiguity against the namespace segment.
type Server struct {
	store             Store
	compressThreshold int
	compressMinSaving float64
}

func NewServer(store Store, compressThreshold int, compressMinSaving float64) *Server {
	return &Server{
		store:             store,
		compressThreshold: compressThreshold,
		compressMinSaving: compressMinSaving,
	}
}

// Register mounts the blob and manifest routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/{namespace}/blob", s.handleRead)
	mux.HandleFunc("PUT /api/v1/{namespace}/blob", s.handleWrite)
	mux.HandleFunc("DELETE /api/v1/{namespace}/blob", s.handleDelete)
	mux.HandleFunc("GET /api/v1/{namespace}/manifest", s.handleManifest)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	namespace, path, ok := blobTarget(w, r)
	if !ok {
		return
	}

	blob, err := s.store.Read(r.Context(), namespace, path)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(HeaderVersion, strconv.FormatInt(blob.Version, 10))
	w.Header().Set(HeaderOriginalMD5, blob.MD5)
	w.Header().Set("Content-Type", "application/octet-stream")

	body := blob.Content
	if strings.Contains(r.Header.Get("Accept-Encoding"), compress.EncodingGzip) {
		if encoded, compressed := compress.Maybe(blob.Content, s.compressThreshold, s.compressMinSaving); compressed {
			w.Header().Set("Content-Encoding", compress.EncodingGzip)
			body = encoded
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	namespace, path, ok := blobTarget(w, r)
	if !ok {
		return
	}

	expected, err := expectedVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, droverErrors.InvalidInput("read request body"))
		return
	}

	if r.Header.Get("Content-Encoding") == compress.EncodingGzip {
		content, err = compress.Gunzip(content)
		if err != nil {
			writeError(w, droverErrors.InvalidInput(fmt.Sprintf("decode gzip body: %v", err)))
			return
		}
	}

	// The declared checksum is of the uncompressed bytes; verify after
	// decoding so a corrupted transfer is rejected, not stored.
	if declared := r.Header.Get(HeaderOriginalMD5); declared != "" {
		sum := md5.Sum(content)
		if hex.EncodeToString(sum[:]) != declared {
			writeError(w, droverErrors.InvalidInput("content md5 mismatch"))
			return
		}
	}

	version, err := s.store.Write(r.Context(), namespace, path, content, expected)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(HeaderVersion, strconv.FormatInt(version, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	namespace, path, ok := blobTarget(w, r)
	if !ok {
		return
	}

	expected, err := expectedVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.Delete(r.Context(), namespace, path, expected); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, droverErrors.InvalidInput(fmt.Sprintf("invalid since cursor %q", raw)))
			return
		}
		since = parsed
	}

	m, err := s.store.Changes(r.Context(), namespace, since)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m); err != nil {
		slog.Error("Failed to encode manifest response", "namespace", namespace, "error", err)
	}
}

func blobTarget(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	namespace := r.PathValue("namespace")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, droverErrors.InvalidInput("missing path query parameter"))
		return "", "", false
	}
	return namespace, path, true
}

func expectedVersion(r *http.Request) (int64, error) {
	raw := r.Header.Get(HeaderExpectedVersion)
	if raw == "" {
		return 0, droverErrors.InvalidInput("missing " + HeaderExpectedVersion + " header")
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 0 {
		return 0, droverErrors.InvalidInput(fmt.Sprintf("invalid expected version %q", raw))
	}
	return version, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := droverErrors.StatusFor(err)
	if status >= 500 {
		slog.Error("Manifest request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
