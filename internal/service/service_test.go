package service

import "testing"

func TestParseValid(t *testing.T) {
	d, err := Parse("127.0.0.1:9001:18001")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Descriptor{LocalIP: "127.0.0.1", LocalPort: 9001, RemotePort: 18001}
	if d != want {
		t.Fatalf("want %+v, got %+v", want, d)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		"127.0.0.1",
		"127.0.0.1:9001",
		":9001:18001",
		"127.0.0.1:0:18001",
		"127.0.0.1:9001:0",
		"127.0.0.1:abc:18001",
		"127.0.0.1:9001:999999",
	}
	for _, s := range cases {
		if _, err := Parse(s); err == nil {
			t.Fatalf("expected error parsing %q", s)
		}
	}
}

func TestParseAll(t *testing.T) {
	ds, err := ParseAll([]string{"127.0.0.1:9001:18001", "0.0.0.0:80:8080"})
	if err != nil {
		t.Fatalf("ParseAll: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(ds))
	}
}

func TestParseAllFailsFast(t *testing.T) {
	if _, err := ParseAll([]string{"127.0.0.1:9001:18001", "bad"}); err == nil {
		t.Fatal("expected error from invalid second entry")
	}
}
