package socket

import (
	"bufio"
	"bytes"
	"testing"
)

func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 0x2a})
	f.Add([]byte{0, 0, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ReadFrame(bufio.NewReader(bytes.NewReader(data)))
	})
}

func FuzzUnmarshalRequest(f *testing.F) {
	f.Add([]byte{0x08, 0x01})
	f.Add([]byte{0x18, 0x01, 0x22, 0x05, 0x0a, 0x03, 0x0a, 0x01, 0x61})
	f.Fuzz(func(t *testing.T, data []byte) {
		req, err := UnmarshalRequest(data)
		if err != nil {
			return
		}
		if ValidateRequest(req) != nil {
			return
		}
		if req.Notify != nil {
			_, _ = FromWire(req.Notify.Invalidation)
		}
		_ = partitionFor(req)
	})
}
