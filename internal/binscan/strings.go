// Package binscan 提供文件级别的原始字节扫描：哈希计算与可打印字符串提取。
package binscan

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultMinLength 可打印字符串的最小长度
const DefaultMinLength = 4

// isPrintable 可打印 ASCII（空格到 ~）
func isPrintable(b byte) bool {
	return b >= 32 && b <= 126
}

// ExtractStrings 按出现顺序提取连续的可打印 ASCII 串，长度小于 minLen 的丢弃。
// 只有遇到不可打印字节时才结束一个串，文件末尾未结束的串会被丢弃。
func ExtractStrings(r io.Reader, minLen int) ([]string, error) {
	if minLen <= 0 {
		minLen = DefaultMinLength
	}

	br := bufio.NewReaderSize(r, 64*1024)
	result := []string{}
	var current []byte

	flush := func() {
		if len(current) >= minLen {
			result = append(result, string(current))
		}
		current = current[:0]
	}

	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read content: %w", err)
		}

		if isPrintable(b) {
			current = append(current, b)
		} else if len(current) > 0 {
			flush()
		}
	}

	return result, nil
}

// ExtractStringsFromFile 从文件中提取可打印字符串
func ExtractStringsFromFile(path string, minLen int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ExtractStrings(file, minLen)
}

// FilterContaining 返回包含任一关键字的字符串（大小写不敏感），保持原有顺序
func FilterContaining(values []string, keywords []string) []string {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k == "" {
			continue
		}
		lowered = append(lowered, strings.ToLower(k))
	}

	matched := []string{}
	for _, v := range values {
		lv := strings.ToLower(v)
		for _, k := range lowered {
			if strings.Contains(lv, k) {
				matched = append(matched, v)
				break
			}
		}
	}
	return matched
}
