package compress

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/andybalholm/brotli"
)

func TestDecode_Identity(t *testing.T) {
	out, err := Decode("", []byte("hello"))
	if err != nil || string(out) != "hello" {
		t.Fatalf("Decode(identity) = %q, %v", out, err)
	}
	out, err = Decode("identity", []byte("hello"))
	if err != nil || string(out) != "hello" {
		t.Fatalf("Decode(identity) = %q, %v", out, err)
	}
}

func TestDecode_Gzip(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write([]byte(`{"hello":"world"}`))
	_ = w.Close()

	out, err := Decode("gzip", buf.Bytes())
	if err != nil {
		t.Fatalf("Decode(gzip): %v", err)
	}
	if string(out) != `{"hello":"world"}` {
		t.Fatalf("Decode(gzip) = %q", out)
	}
}

func TestDecode_Brotli(t *testing.T) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, _ = w.Write([]byte(`{"hello":"world"}`))
	_ = w.Close()

	out, err := Decode("br", buf.Bytes())
	if err != nil {
		t.Fatalf("Decode(br): %v", err)
	}
	if string(out) != `{"hello":"world"}` {
		t.Fatalf("Decode(br) = %q", out)
	}
}

func TestDecode_UnsupportedEncoding(t *testing.T) {
	if _, err := Decode("compress", []byte("x")); err == nil {
		t.Fatal("expected an error for an unsupported encoding")
	}
}
