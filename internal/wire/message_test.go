package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		&Auth{Token: "tok", ClientID: "c1"},
		&AuthResponse{Success: true, SessionKey: []byte{1, 2, 3}, Error: ""},
		&AuthResponse{Success: false, SessionKey: nil, Error: "invalid token"},
		&ProxyConfig{LocalIP: "127.0.0.1", LocalPort: 9001, RemotePort: 18001},
		&ProxyConfigResponse{Success: true, ProxyID: "p1"},
		&ProxyConfigResponse{Success: false, Error: "port in use"},
		&NewConnection{ProxyID: "p1", ConnectionID: "c1"},
		&ConnectionResponse{ConnectionID: "c1", Success: true},
		&ConnectionResponse{ConnectionID: "c1", Success: false, Error: "dial failed"},
		&Data{ConnectionID: "c1", Data: []byte("hello")},
		&Data{ConnectionID: "c1", Data: []byte{}},
		&CloseConnection{ConnectionID: "c1"},
		&Heartbeat{Timestamp: 1234567890},
		&HeartbeatResponse{Timestamp: 1234567890},
		&Error{Message: "boom"},
	}

	for _, want := range cases {
		t.Run(want.Kind().String(), func(t *testing.T) {
			encoded, err := Encode(want)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(want, got) {
				t.Fatalf("round trip mismatch: want %#v, got %#v", want, got)
			}
		})
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatal("expected error decoding empty payload")
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	if _, err := Decode([]byte{0xFF}); err == nil {
		t.Fatal("expected error decoding unknown kind")
	}
}

func TestDecodeTruncated(t *testing.T) {
	encoded, err := Encode(&Auth{Token: "tok", ClientID: "c1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(encoded[:len(encoded)-2]); err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	encoded, err := Encode(&Heartbeat{Timestamp: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	encoded = append(encoded, 0xFF)
	if _, err := Decode(encoded); err == nil {
		t.Fatal("expected error decoding payload with trailing bytes")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xAB}, 70000),
	}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame round trip mismatch: want %d bytes, got %d bytes", len(want), len(got))
		}
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // length field far exceeding MaxFrameSize
	if _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameWriterSerializesConcurrentWriters(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func(i int) {
			fw.WriteFrame([]byte{byte(i)})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 16; i++ {
		<-done
	}
	count := 0
	for buf.Len() > 0 {
		if _, err := ReadFrame(&buf); err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		count++
	}
	if count != 16 {
		t.Fatalf("expected 16 frames, got %d", count)
	}
}
