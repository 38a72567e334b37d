package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

func SHA256HashFile(path string) (string, error) {
	hash := sha256.New()

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// SHA256HashDirectory computes a digest over a directory tree: entry names,
// file modes and content hashes, folded in sorted path order. Symlinks hash
// their target string; directories contribute their name and mode only.
func SHA256HashDirectory(root string) (string, error) {
	hash := sha256.New()

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return hex.EncodeToString(hash.Sum(nil)), nil
		}
		return "", err
	}
	sort.Strings(paths)

	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", err
		}
		info, err := os.Lstat(path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(hash, "%s\x00%o\x00", rel, info.Mode())
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(hash, "%s\x00", link)
		case info.Mode().IsRegular():
			fileHash, err := SHA256HashFile(path)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(hash, "%s\x00", fileHash)
		}
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
