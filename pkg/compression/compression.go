// Copyright 2018 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compression implements reading and writing of compressed files.
//
// It is used to load compressed eMMC partition images, the compressor
// being picked from the file name extension.
package compression

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Compressor defines a single compression scheme (such as LZMA).
type Compressor interface {
	// Name is typically the name of a class.
	Name() string

	// Decode and Encode obey "x == Decode(Encode(x))".
	Decode(encodedData []byte) ([]byte, error)
	Encode(decodedData []byte) ([]byte, error)
}

// Identity is the Compressor of uncompressed files.
type Identity struct{}

// Name returns the type of compression employed.
func (c *Identity) Name() string {
	return "none"
}

// Decode returns encodedData.
func (c *Identity) Decode(encodedData []byte) ([]byte, error) {
	return encodedData, nil
}

// Encode returns decodedData.
func (c *Identity) Encode(decodedData []byte) ([]byte, error) {
	return decodedData, nil
}

var extensions = map[string]func() Compressor{
	".xz":   func() Compressor { return &XZ{} },
	".lzma": func() Compressor { return &LZMA{} },
	".lz4":  func() Compressor { return &LZ4{} },
	".zst":  func() Compressor { return &Zstd{} },
	".zstd": func() Compressor { return &Zstd{} },
}

// CompressorFromFilename returns the Compressor matching the extension of
// name, Identity for any extension it does not know.
func CompressorFromFilename(name string) Compressor {
	if newCompressor, ok := extensions[strings.ToLower(filepath.Ext(name))]; ok {
		return newCompressor()
	}
	return &Identity{}
}

// DecodeFrom reads r to the end and decodes it with c.
func DecodeFrom(c Compressor, r io.Reader) ([]byte, error) {
	encoded, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	decoded, err := c.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}
	return decoded, nil
}
