package stt

import (
	"bytes"
	"encoding/binary"
)

// EncodeWAV prefixes 16-bit little-endian PCM with a canonical 44-byte
// RIFF header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	if channels == 0 {
		channels = 1
	}
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	le32(&buf, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	le32(&buf, 16)
	le16(&buf, 1) // PCM
	le16(&buf, uint16(channels))
	le32(&buf, uint32(sampleRate))
	le32(&buf, uint32(sampleRate*blockAlign))
	le16(&buf, uint16(blockAlign))
	le16(&buf, bitsPerSample)

	buf.WriteString("data")
	le32(&buf, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func le16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func le32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
