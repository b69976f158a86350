package nal

import (
	"bytes"
	"errors"
	"testing"
)

func FuzzReader(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x02, 0x07, 0xAA, 0x00, 0x00, 0x00, 0x02, 0x08, 0xBB})
	f.Add([]byte{0x00, 0x00, 0x00, 0x05, 0xAB, 0xCD})
	f.Add([]byte{0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01})

	f.Fuzz(func(t *testing.T, data []byte) {
		r := NewReader(bytes.NewReader(data), WithMaxUnitSize(1<<16))
		for i := 0; i <= len(data); i++ {
			u, err := r.Next()
			var fe *FramingError
			if errors.As(err, &fe) {
				return
			}
			if err == nil && (len(u.Data) == 0 || u.Type != u.Data[0]&TypeMask) {
				t.Fatalf("bad unit: %+v", u)
			}
		}
		t.Fatal("reader did not terminate")
	})
}
