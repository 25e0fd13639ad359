package util

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrNoFilename = errors.New("cannot extract valid filename")
)

func FilenameFromURL(url *url.URL) (string, error) {
	if url == nil {
		return "", ErrNoFilename
	}
	path := strings.Trim(url.Path, "/")
	if path == "" {
		return "", ErrNoFilename
	}
	pathElements := strings.Split(path, "/")
	filename := pathElements[len(pathElements)-1]
	if filename == "" {
		return "", ErrNoFilename
	}
	// Don't allow "filenames" that are just ".", "..", etc.
	if strings.ReplaceAll(filename, ".", "") == "" {
		return "", ErrNoFilename
	}
	return filename, nil
}

func FilenameFromURLString(s string) (string, error) {
	if parsedURL, err := url.Parse(s); err != nil {
		return "", err
	} else {
		return FilenameFromURL(parsedURL)
	}
}

// Characters that are unsafe in file names on some platform, plus "&" which breaks naive shell usage.
var unsafeFilenameChars = regexp.MustCompile(`[\\/*?:"<>|&]`)

// SanitizeFilename replaces every unsafe character in s with replacement.
func SanitizeFilename(s string, replacement string) string {
	return unsafeFilenameChars.ReplaceAllString(s, replacement)
}
