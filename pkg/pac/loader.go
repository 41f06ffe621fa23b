package pac

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// pacMaxSizeBytes caps downloaded or read PAC files.
const pacMaxSizeBytes = 1 * 1024 * 1024

// LoadOptions control how PAC text is fetched.
type LoadOptions struct {
	// Charset forces a decoding; empty means detect from the content and
	// Content-Type header.
	Charset string
	// Client fetches http(s) locations. It must not itself use a proxy.
	Client *http.Client
	// UserAgent is sent when fetching over HTTP.
	UserAgent string
}

var directPACClient = &http.Client{
	Transport: &http.Transport{Proxy: nil},
	Timeout:   15 * time.Second,
}

// Load reads PAC text from a file path, a file:// URL or an http(s) URL and
// returns it decoded to UTF-8.
func Load(ctx context.Context, location string, opts LoadOptions) (string, error) {
	slog.Debug("Attempting to fetch PAC script", "location", location)

	var (
		contentBytes []byte
		contentType  string
		err          error
	)

	parsedURL, urlErr := url.Parse(location)
	if urlErr == nil && (parsedURL.Scheme == "http" || parsedURL.Scheme == "https") {
		contentBytes, contentType, err = fetchHTTP(ctx, location, opts)
	} else {
		filePath := location
		if urlErr == nil && parsedURL.Scheme == "file" {
			filePath = parsedURL.Path
		}
		contentBytes, err = readFile(filepath.Clean(filePath))
	}
	if err != nil {
		return "", err
	}
	return decode(contentBytes, contentType, opts.Charset)
}

func fetchHTTP(ctx context.Context, location string, opts LoadOptions) ([]byte, string, error) {
	client := opts.Client
	if client == nil {
		client = directPACClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create PAC request for %s: %w", location, err)
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch PAC from %s: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyPreview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("failed to fetch PAC from %s: status %s, body: %s", location, resp.Status, string(bodyPreview))
	}

	contentBytes, err := io.ReadAll(io.LimitReader(resp.Body, pacMaxSizeBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read PAC content from %s: %w", location, err)
	}
	if int64(len(contentBytes)) > pacMaxSizeBytes {
		return nil, "", fmt.Errorf("PAC script %s exceeds maximum size limit (%d bytes)", location, pacMaxSizeBytes)
	}
	return contentBytes, resp.Header.Get("Content-Type"), nil
}

func readFile(filePath string) ([]byte, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat PAC file path %s: %w", filePath, err)
	}
	if fileInfo.IsDir() {
		return nil, fmt.Errorf("PAC file path %s is a directory, not a file", filePath)
	}
	if fileInfo.Size() > pacMaxSizeBytes {
		return nil, fmt.Errorf("PAC file %s exceeds maximum size limit (%d bytes)", filePath, pacMaxSizeBytes)
	}
	contentBytes, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read PAC file %s: %w", filePath, err)
	}
	return contentBytes, nil
}

func decode(content []byte, contentType, forced string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(forced))
	if name == "" {
		_, detected, certain := charset.DetermineEncoding(content, contentType)
		if !certain && utf8.Valid(content) {
			detected = "utf-8"
		}
		name = detected
	}
	if name == "" || name == "utf-8" || name == "utf8" {
		return string(content), nil
	}

	enc, canonical := charset.Lookup(name)
	if enc == nil {
		slog.Warn("Unsupported PAC charset, falling back to UTF-8", "charset", name)
		return string(content), nil
	}
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(content), enc.NewDecoder()))
	if err != nil {
		return "", fmt.Errorf("failed to decode PAC content (charset: %s): %w", canonical, err)
	}
	return string(decoded), nil
}
