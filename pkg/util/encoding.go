package util

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// ErrLimitExceeded is returned by Decompress when the data expands past its limit
var ErrLimitExceeded = errors.New("decompressed data exceeds limit")

// Decompress reverses Compress, reading at most limit bytes of output
func Decompress(data []byte, limit int) (resData []byte, err error) {
	r := io.LimitReader(lz4.NewReader(bytes.NewReader(data)), int64(limit)+1)
	var resB bytes.Buffer
	_, err = io.Copy(&resB, r)
	if err != nil {
		return
	}
	if resB.Len() > limit {
		err = errors.Wrapf(ErrLimitExceeded, "more than %d bytes", limit)
		return
	}
	resData = resB.Bytes()
	return
}

// Compress returns data as an LZ4 frame
func Compress(data []byte) (compressedData []byte, err error) {
	var b bytes.Buffer
	zw := lz4.NewWriter(&b)
	if err = zw.Apply(lz4.ChecksumOption(true)); err != nil {
		return
	}
	_, err = zw.Write(data)
	if err != nil {
		return
	}
	if err = zw.Close(); err != nil {
		return
	}
	compressedData = b.Bytes()
	return
}
