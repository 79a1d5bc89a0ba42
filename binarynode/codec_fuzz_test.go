package binarynode

import "testing"

// FuzzDecodeDoesNotPanic mirrors the teacher's handshake_fuzz_test.go /
// crypto_fuzz_test.go convention of fuzzing the parser boundary directly
// against arbitrary bytes: decode must return an error, never panic, for
// a malformed frame (spec.md §4.A: "fail the frame, not the connection").
func FuzzDecodeDoesNotPanic(f *testing.F) {
	seed := [][]byte{
		{},
		{markerListEmpty},
		{markerList8, 0x01},
		{markerList8, 0xFF},
		{markerList16, 0x00, 0x05},
	}
	for _, s := range seed {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Decode panicked on %v: %v", data, r)
			}
		}()
		_, _, _ = Decode(data)
	})
}

// FuzzEncodeDecodeRoundTrip checks that any node built from fuzzer-controlled
// strings round-trips, exercising both the token path and the inline-string
// escape path.
func FuzzEncodeDecodeRoundTrip(f *testing.F) {
	f.Add("iq", "hello")
	f.Add("message", "")
	f.Add("unregistered-tag", "unregistered-value")

	f.Fuzz(func(t *testing.T, tag, attrVal string) {
		if tag == "" {
			t.Skip()
		}
		n := BinaryNode{Tag: tag, Attrs: map[string]string{"v": attrVal}}
		data, err := Encode(n)
		if err != nil {
			t.Skip()
		}
		got, _, err := Decode(data)
		if err != nil {
			t.Fatalf("decode failed after successful encode: %v", err)
		}
		if !Equal(n, got) {
			t.Fatalf("round trip mismatch: %+v != %+v", n, got)
		}
	})
}
