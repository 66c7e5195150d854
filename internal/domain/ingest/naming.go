package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// ContentName derives the stored name of a payload: the lower-case hex MD5 of
// data followed by the extension of originalName, case preserved. MD5 serves
// as a fingerprint here, not as a security control.
func ContentName(data []byte, originalName string) (string, error) {
	ext, err := Extension(originalName)
	if err != nil {
		return "", &HashError{Name: originalName, Err: err}
	}
	return ContentHash(data) + "." + ext, nil
}

// ContentHash returns the lower-case hex MD5 of data.
func ContentHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Extension returns the substring after the last "." of the base name.
// Directory components sent by some browsers are ignored.
func Extension(name string) (string, error) {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || dot == len(name)-1 {
		return "", ErrNoExtension
	}
	return name[dot+1:], nil
}
