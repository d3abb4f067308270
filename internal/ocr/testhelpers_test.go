package ocr

import "github.com/wattlefield/invoice-cli/internal/config"

func configOCR(provider, key string) config.OCRConfig {
	return config.OCRConfig{Provider: provider, MistralKey: key}
}
