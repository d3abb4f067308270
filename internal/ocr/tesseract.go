package ocr

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/rotisserie/eris"
)

// Tesseract extracts text from page images using the tesseract CLI tool.
type Tesseract struct {
	binPath string
}

// NewTesseract creates a Tesseract extractor. If binPath is empty, "tesseract" is used.
func NewTesseract(binPath string) *Tesseract {
	if binPath == "" {
		binPath = "tesseract"
	}
	return &Tesseract{binPath: binPath}
}

// ExtractText runs tesseract over the image (stdin → stdout) and returns the text.
// PSM 6 assumes a uniform block of text, which suits tabular invoice bodies.
func (t *Tesseract) ExtractText(ctx context.Context, image []byte) (string, error) {
	cmd := exec.CommandContext(ctx, t.binPath, "stdin", "stdout", "--psm", "6")
	cmd.Stdin = bytes.NewReader(image)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: tesseract failed: %s", stderr.String())
	}

	return stdout.String(), nil
}
