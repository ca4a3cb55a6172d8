package codeindex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// IndexDirectory walks root and indexes every regular file that passes
// the exclude patterns. Files longer than the chunk limit are split on
// line boundaries into path#n documents. When force is false, files
// whose stored content hash matches are skipped.
func (ix *Index) IndexDirectory(root string, force bool) error {
	if ix.disabled {
		return nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ix.excluded(path, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		return ix.indexFile(path, force)
	})
	if err != nil {
		return fmt.Errorf("index directory %s: %w", root, err)
	}
	return nil
}

func (ix *Index) excluded(path string, d fs.DirEntry) bool {
	base := filepath.Base(path)
	for _, pattern := range ix.excludes {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		if base == pattern {
			return true
		}
	}
	// Hidden directories are never worth indexing.
	return d.IsDir() && strings.HasPrefix(base, ".") && base != "."
}

func (ix *Index) indexFile(path string, force bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !isText(data) {
		return nil
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !force && ix.hashes[path] == hash {
		return nil
	}
	ix.hashes[path] = hash

	// Drop prior entries first: a file that shrank below a chunk
	// boundary must not leave orphaned path#n documents behind.
	for p, entry := range ix.docs {
		if p == path || strings.HasPrefix(p, path+"#") {
			ix.removeLocked(p, entry)
		}
	}

	lang := languageOf(path)
	lines := strings.Split(string(data), "\n")
	if len(lines) <= ix.chunkLines {
		ix.addLocked(Document{Path: path, Content: string(data), Language: lang})
		ix.logger.Debug("indexed", zap.String("path", path))
		return nil
	}
	for i := 0; i*ix.chunkLines < len(lines); i++ {
		lo := i * ix.chunkLines
		hi := lo + ix.chunkLines
		if hi > len(lines) {
			hi = len(lines)
		}
		ix.addLocked(Document{
			Path:     fmt.Sprintf("%s#%d", path, i),
			Content:  strings.Join(lines[lo:hi], "\n"),
			Language: lang,
			Metadata: map[string]string{"chunk": fmt.Sprint(i)},
		})
	}
	ix.logger.Debug("indexed chunked", zap.String("path", path),
		zap.Int("chunks", (len(lines)+ix.chunkLines-1)/ix.chunkLines))
	return nil
}

// isText rejects files with NUL bytes in the first KiB.
func isText(data []byte) bool {
	probe := data
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	for _, b := range probe {
		if b == 0 {
			return false
		}
	}
	return true
}

func languageOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	default:
		return ""
	}
}
