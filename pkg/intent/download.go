package intent

// download.go - First-run download of the embedding model
//
// Lets the binary fetch the MiniLM sentence embedding model from
// HuggingFace on first use, so a fresh deployment needs no setup
// script. Only the files Hugot needs for ONNX inference are pulled
// (~90MB).

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// HuggingFaceBaseURL is the base URL for model downloads.
const HuggingFaceBaseURL = "https://huggingface.co"

// embeddingModelFiles lists the minimal files needed for inference.
// Remote is the path inside the repository; Name is the local file.
var embeddingModelFiles = []struct {
	Remote   string
	Name     string
	Required bool
	Size     string
}{
	{"onnx/model.onnx", "model.onnx", true, "86MB"},
	{"tokenizer.json", "tokenizer.json", true, "700KB"},
	{"config.json", "config.json", true, "600B"},
	{"tokenizer_config.json", "tokenizer_config.json", true, "350B"},
	{"special_tokens_map.json", "special_tokens_map.json", true, "112B"},
	{"vocab.txt", "vocab.txt", false, "230KB"},
}

// downloadMutex prevents concurrent downloads of the same model.
var downloadMutex sync.Mutex

// EnsureEmbeddingModel checks whether the embedding model exists at
// modelPath and downloads it if not.
func EnsureEmbeddingModel(ctx context.Context, modelPath string) error {
	if modelPath == "" {
		modelPath = DefaultEmbeddingModelPath
	}

	if EmbeddingModelExists(modelPath) {
		return nil
	}

	downloadMutex.Lock()
	defer downloadMutex.Unlock()

	if EmbeddingModelExists(modelPath) {
		return nil
	}

	log.Printf("[download] embedding model not found at %s, fetching %s (one-time, ~90MB)",
		modelPath, EmbeddingModelMiniLM)
	return downloadEmbeddingModel(ctx, EmbeddingModelMiniLM, modelPath)
}

// EmbeddingModelExists reports whether a usable model is present.
func EmbeddingModelExists(modelPath string) bool {
	for _, name := range []string{"model.onnx", "tokenizer.json"} {
		if _, err := os.Stat(filepath.Join(modelPath, name)); err != nil {
			return false
		}
	}
	return true
}

// downloadEmbeddingModel fetches the model files from HuggingFace.
func downloadEmbeddingModel(ctx context.Context, repoID, destPath string) error {
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	client := NewHTTPClient(10 * time.Minute)
	baseURL := fmt.Sprintf("%s/%s/resolve/main", HuggingFaceBaseURL, repoID)

	for _, file := range embeddingModelFiles {
		destFile := filepath.Join(destPath, file.Name)
		if _, err := os.Stat(destFile); err == nil {
			continue
		}

		log.Printf("[download] fetching %s (%s)", file.Name, file.Size)
		err := downloadFile(ctx, client, baseURL+"/"+file.Remote, destFile)
		if err != nil {
			if file.Required {
				return fmt.Errorf("failed to download %s: %w", file.Name, err)
			}
			log.Printf("[download] optional file %s not available: %v", file.Name, err)
		}
	}

	log.Printf("[download] embedding model ready at %s", destPath)
	return nil
}

// downloadFile fetches one file, writing through a temp file so a
// partial download never looks like a finished one.
func downloadFile(ctx context.Context, client *http.Client, url, destPath string) error {
	tmpPath := destPath + ".tmp"
	defer func() { _ = os.Remove(tmpPath) }()

	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = out.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	// Close before rename, required on some platforms.
	_ = out.Close()

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}
	return nil
}
