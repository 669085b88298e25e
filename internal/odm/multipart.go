package odm

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

// Field is a plain form value sent ahead of the file parts.
type Field struct {
	Name  string
	Value string
}

// StreamMultipart returns a body that encodes fields and parts as
// multipart/form-data while it is being read. Each file is opened just before
// it is copied and closed right after, so no file is buffered in memory and no
// handle outlives the request. The caller must close the returned reader.
func StreamMultipart(fields []Field, parts InputSet) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, fields, parts))
	}()
	return pr, mw.FormDataContentType()
}

func writeMultipart(mw *multipart.Writer, fields []Field, parts InputSet) error {
	for _, f := range fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return fmt.Errorf("write field %s: %w", f.Name, err)
		}
	}
	for _, p := range parts {
		if err := writePart(mw, p); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writePart(mw *multipart.Writer, p Part) error {
	f, err := os.Open(p.Path())
	if err != nil {
		return fmt.Errorf("open %s: %w", p.Path(), err)
	}
	defer f.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(p.Field()), quoteEscaper.Replace(filepath.Base(p.Path()))))
	h.Set("Content-Type", p.ContentType())
	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part %s: %w", p.Path(), err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copy %s: %w", p.Path(), err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")
