package zip

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
)

func TestWriteDeduplicatesNames(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []Entry{
		{Name: "scene.png", Data: []byte("a")},
		{Name: "scene.png", Data: []byte("b")},
		{Name: "../escape.png", Data: []byte("c")},
	})
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	want := map[string]string{"scene.png": "a", "scene-2.png": "b", "escape.png": "c"}
	if len(zr.File) != len(want) {
		t.Fatalf("entries = %d, want %d", len(zr.File), len(want))
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if want[f.Name] != string(data) {
			t.Fatalf("%s = %q, want %q", f.Name, data, want[f.Name])
		}
	}
}
