package binscan

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// hashBlockSize 分块读取大小
const hashBlockSize = 4096

// Hashes 文件哈希
type Hashes struct {
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
}

// CalculateHashes 分块读取文件，同时计算 MD5 和 SHA256
func CalculateHashes(path string) (*Hashes, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return HashReader(file)
}

// HashReader 对任意 Reader 计算哈希
func HashReader(r io.Reader) (*Hashes, error) {
	md5Hash := md5.New()
	sha256Hash := sha256.New()
	multiWriter := io.MultiWriter(md5Hash, sha256Hash)

	buf := make([]byte, hashBlockSize)
	if _, err := io.CopyBuffer(multiWriter, r, buf); err != nil {
		return nil, fmt.Errorf("failed to hash content: %w", err)
	}

	return &Hashes{
		MD5:    fmt.Sprintf("%x", md5Hash.Sum(nil)),
		SHA256: fmt.Sprintf("%x", sha256Hash.Sum(nil)),
	}, nil
}
