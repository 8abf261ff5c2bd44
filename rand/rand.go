// Package rand 封装 crypto/rand 为协议栈提供随机源 主要用于ISS种子
package rand

import (
	"crypto/rand"
	"encoding/binary"
)

// Reader is the default reader.
var Reader = rand.Reader

// Read implements io.Reader.Read.
func Read(b []byte) (int, error) {
	return rand.Read(b)
}

// Uint64 returns a cryptographically random uint64.
func Uint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("rand.Read failed: " + err.Error())
	}
	return binary.LittleEndian.Uint64(b[:])
}
